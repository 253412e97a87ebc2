// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package naming

import (
	"sync"

	"github.com/hashicorp/go-svc-registry/internal/instance"
)

// HealthCheckConfig is the per-cluster health-check configuration handed
// to HealthScheduler on Service.init(). It is opaque from this core's
// point of view; only its presence/shape is owned here.
type HealthCheckConfig struct {
	Enabled  bool
	Type     string
	Target   string
	Interval int64 // milliseconds
}

// DefaultHealthCheckConfig matches the zero-config default a cluster gets
// when lazily created.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{Enabled: false, Type: "TCP", Interval: 5000}
}

// Cluster owns an instance set within a service, keyed by cluster name.
// It keeps the ephemeral and persistent planes disjoint, as spec.md §3
// requires: an instance is one or the other, fixed at birth.
type Cluster struct {
	mu sync.RWMutex

	Name    string
	service *Service // non-owning back-reference

	ephemeralInstances  map[string]*instance.Instance // keyed by ipAddr
	persistentInstances map[string]*instance.Instance

	HealthCheck HealthCheckConfig
}

// NewCluster constructs a Cluster owned by svc, with default health-check
// config, as happens on lazy creation (spec.md §3 Lifecycle).
func NewCluster(name string, svc *Service) *Cluster {
	return &Cluster{
		Name:                name,
		service:             svc,
		ephemeralInstances:  make(map[string]*instance.Instance),
		persistentInstances: make(map[string]*instance.Instance),
		HealthCheck:         DefaultHealthCheckConfig(),
	}
}

func (c *Cluster) plane(ephemeral bool) map[string]*instance.Instance {
	if ephemeral {
		return c.ephemeralInstances
	}
	return c.persistentInstances
}

// UpdateIPs installs list as the complete new set for the given plane,
// replacing whatever was there (spec.md §4.3 Service.updateIPs).
func (c *Cluster) UpdateIPs(list []*instance.Instance, ephemeral bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]*instance.Instance, len(list))
	for _, inst := range list {
		next[inst.IPAddr()] = inst
	}
	if ephemeral {
		c.ephemeralInstances = next
	} else {
		c.persistentInstances = next
	}
}

// Put inserts or replaces a single instance on the given plane. InstanceMerger
// writes through a whole-plane replacement via Service.OnChange/UpdateIPs
// instead; Put is the narrower single-instance mutation used directly by
// tests and any caller that bypasses the Consistency round trip.
func (c *Cluster) Put(inst *instance.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plane(inst.Ephemeral)[inst.IPAddr()] = inst
}

// Remove deletes the instance at ipAddr on the given plane, if present.
func (c *Cluster) Remove(ipAddr string, ephemeral bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plane(ephemeral), ipAddr)
}

// Get returns the instance at ipAddr on the given plane.
func (c *Cluster) Get(ipAddr string, ephemeral bool) (*instance.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.plane(ephemeral)[ipAddr]
	return inst, ok
}

// AllIPs returns every instance in the cluster across both planes.
func (c *Cluster) AllIPs() []*instance.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*instance.Instance, 0, len(c.ephemeralInstances)+len(c.persistentInstances))
	for _, inst := range c.ephemeralInstances {
		out = append(out, inst)
	}
	for _, inst := range c.persistentInstances {
		out = append(out, inst)
	}
	return out
}

// IsEmpty reports whether the cluster holds no instances on either plane.
func (c *Cluster) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ephemeralInstances) == 0 && len(c.persistentInstances) == 0
}
