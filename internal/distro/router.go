// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package distro implements DistroRouter (C5): the consistent-hash
// ownership decision partitioning the ephemeral anti-entropy workload and
// the empty-service reap decision across peers (spec.md §4.5).
package distro

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
)

// Router answers "does this peer own responsibility for key K?" by
// consistent-hashing the key onto the alive peer set.
type Router struct {
	members contracts.Members
}

// New constructs a Router backed by a Members view.
func New(members contracts.Members) *Router {
	return &Router{members: members}
}

// Responsible reports whether the local peer is the one the consistent
// hash of serviceName maps to, among the current alive peer set.
func (r *Router) Responsible(serviceName string) bool {
	owner := r.Owner(serviceName)
	return owner == r.members.LocalAddress()
}

// Owner returns the peer address responsible for serviceName.
func (r *Router) Owner(serviceName string) string {
	peers := r.aliveAddrs()
	if len(peers) == 0 {
		return r.members.LocalAddress()
	}
	idx := hashKey(serviceName) % uint64(len(peers))
	return peers[idx]
}

// aliveAddrs returns every member address including the local one, sorted
// so the hash-to-index mapping is stable across peers observing the same
// membership set.
func (r *Router) aliveAddrs() []string {
	members := r.members.AllMembers()
	addrs := make([]string, 0, len(members)+1)
	seen := make(map[string]bool)
	local := r.members.LocalAddress()
	if local != "" {
		addrs = append(addrs, local)
		seen[local] = true
	}
	for _, m := range members {
		if !seen[m.Address] {
			addrs = append(addrs, m.Address)
			seen[m.Address] = true
		}
	}
	sort.Strings(addrs)
	return addrs
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// LocalSnapshot is the local-peer cluster-state snapshot DistroRouter
// exposes per spec.md §4.5.
type LocalSnapshot struct {
	LocalAddress string
	Peers        []string
}

// Snapshot returns the current local-peer cluster-state view.
func (r *Router) Snapshot() LocalSnapshot {
	return LocalSnapshot{
		LocalAddress: r.members.LocalAddress(),
		Peers:        r.aliveAddrs(),
	}
}
