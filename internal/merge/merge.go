// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package merge implements InstanceMerger (C6): computing the new
// instance list for a service plane given an action (add/remove) and a
// remote snapshot pulled from Consistency, per spec.md §4.2.
package merge

import (
	"context"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

// Action is the merge operation InstanceMerger performs.
type Action int

const (
	Add Action = iota
	Remove
)

// InstanceIDMode selects how new instance ids are assigned (spec.md §6).
type InstanceIDMode int

const (
	Composite InstanceIDMode = iota
	Snowflake
)

// Merger computes merged instance lists. It is stateless apart from the
// Consistency handle and the id-assignment mode.
type Merger struct {
	Consistency contracts.Consistency
	IDMode      InstanceIDMode
}

// New constructs a Merger.
func New(consistency contracts.Consistency, mode InstanceIDMode) *Merger {
	return &Merger{Consistency: consistency, IDMode: mode}
}

// instanceListPayload is what Consistency stores for an instance-list key.
type instanceListPayload struct {
	InstanceList []*instance.Instance
}

// Merge implements spec.md §4.2's algorithm: fetch the current
// authoritative list, snapshot in-memory instances of the same plane,
// carry over health/lastBeat by identity, then apply add/remove for
// newIps, returning the full resulting plane.
func (m *Merger) Merge(ctx context.Context, svc *naming.Service, action Action, ephemeral bool, newIps []*instance.Instance) ([]*instance.Instance, error) {
	key := naming.InstanceListKey(svc.NamespaceID, svc.Name, ephemeral)

	remote := m.fetchRemote(key)

	inMemory := make(map[string]*instance.Instance)
	for _, inst := range svc.AllIPs() {
		if inst.Ephemeral == ephemeral {
			inMemory[inst.IPAddr()] = inst
		}
	}
	currentIDs := mapset.NewSet[string]()
	for _, inst := range inMemory {
		if inst.InstanceID != "" {
			currentIDs.Add(inst.InstanceID)
		}
	}

	merged := make(map[string]*instance.Instance, len(remote))
	for _, r := range remote {
		if local, ok := inMemory[r.IPAddr()]; ok {
			r.Healthy = local.Healthy
			r.LastBeat = local.LastBeat
		}
		merged[r.DatumKey()] = r
	}

	for _, i := range newIps {
		if i.ClusterName == "" {
			i.ClusterName = naming.DefaultCluster
		}
		svc.GetOrCreateCluster(i.ClusterName)

		switch action {
		case Remove:
			delete(merged, i.DatumKey())
		case Add:
			i.InstanceID = GenerateInstanceID(m.IDMode, currentIDs, i)
			merged[i.DatumKey()] = i
		}
	}

	if action == Add && len(merged) == 0 {
		return nil, naming.ErrInvalidArgument
	}

	out := make([]*instance.Instance, 0, len(merged))
	for _, inst := range merged {
		out = append(out, inst)
	}
	return out, nil
}

func (m *Merger) fetchRemote(key string) []*instance.Instance {
	if m.Consistency == nil {
		return nil
	}
	datum, ok := m.Consistency.Get(key)
	if !ok {
		return nil
	}
	switch v := datum.Value.(type) {
	case []*instance.Instance:
		return v
	case *instanceListPayload:
		return v.InstanceList
	case instanceListPayload:
		return v.InstanceList
	default:
		return nil
	}
}

// GenerateInstanceID returns the instance id for i (the caller stores it)
// per spec.md §4.2/§8 invariant 7:
// in Snowflake mode, the smallest non-negative integer not already present
// in seen (which is then updated with the chosen value); otherwise the
// composite ip#port#cluster#service form.
func GenerateInstanceID(mode InstanceIDMode, seen mapset.Set[string], i *instance.Instance) string {
	if mode != Snowflake {
		return i.CompositeID()
	}
	for n := 0; ; n++ {
		candidate := strconv.Itoa(n)
		if !seen.Contains(candidate) {
			seen.Add(candidate)
			return candidate
		}
	}
}
