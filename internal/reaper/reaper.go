// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package reaper implements EmptyReaper (C9): the periodic sweep that
// deletes services which remained empty across maxFinalizeCount cycles
// (spec.md §4.7).
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/metrics"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

// MaxFinalizeCount is the finalize count an empty service's counter must
// exceed before it is removed (spec.md §4.7): the counter is checked
// before it is incremented, so removal happens on the
// (MaxFinalizeCount+2)th consecutive empty sweep.
const MaxFinalizeCount = 3

// ParallelThreshold is the inner-map size above which a namespace's
// services are swept concurrently (spec.md §4.7).
const ParallelThreshold = 100

// DefaultInitialDelay and DefaultPeriod are the sweep's documented
// scheduling defaults (spec.md §4.7, §6).
const (
	DefaultInitialDelay = 60 * time.Second
	DefaultPeriod       = 20 * time.Second
)

// ServiceLister is the narrow Registry surface the reaper reads.
type ServiceLister interface {
	GetAllNamespaces() []string
	GetAllServiceNames(ns string) []string
	GetService(ns, name string) *naming.Service
}

// Responsible answers DistroRouter.Responsible.
type Responsible interface {
	Responsible(serviceName string) bool
}

// Config controls the reaper's schedule. AutoClean gates the whole
// component: spec.md §6's `nacos.naming.empty-service.auto-clean`,
// renamed here to fit this module's own option surface
// (internal/config.Config.EmptyServiceAutoClean).
type Config struct {
	AutoClean    bool
	InitialDelay time.Duration
	Period       time.Duration
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{AutoClean: false, InitialDelay: DefaultInitialDelay, Period: DefaultPeriod}
}

// Reaper owns the per-(namespace,service) finalize-count state and the
// sweep loop.
type Reaper struct {
	log         hclog.Logger
	registry    ServiceLister
	router      Responsible
	consistency contracts.Consistency
	metrics     *metrics.Registry
	cfg         Config

	countersMu sync.Mutex
	counters   map[string]int // "ns/name" -> finalizeCount, mirrored onto Service.FinalizeCount
}

// New constructs a Reaper.
func New(log hclog.Logger, registry ServiceLister, router Responsible, consistency contracts.Consistency, m *metrics.Registry, cfg Config) *Reaper {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Reaper{
		log:         log,
		registry:    registry,
		router:      router,
		consistency: consistency,
		metrics:     m,
		cfg:         cfg,
		counters:    make(map[string]int),
	}
}

// Run blocks, sweeping on cfg.Period after cfg.InitialDelay, until ctx is
// cancelled. A no-op if AutoClean is false (spec.md §4.7: "Optional
// (config flag)").
func (r *Reaper) Run(ctx context.Context) {
	if !r.cfg.AutoClean {
		return
	}
	timer := time.NewTimer(r.cfg.InitialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r.sweep()

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep runs one full pass across every namespace (spec.md §4.7).
func (r *Reaper) sweep() {
	for _, ns := range r.registry.GetAllNamespaces() {
		names := r.registry.GetAllServiceNames(ns)
		if len(names) > ParallelThreshold {
			r.sweepParallel(ns, names)
		} else {
			for _, name := range names {
				r.sweepOne(ns, name)
			}
		}
	}
}

func (r *Reaper) sweepParallel(ns string, names []string) {
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.sweepOne(ns, name)
		}(name)
	}
	wg.Wait()
}

// sweepOne applies the three-way finalize-count transition for one
// service (spec.md §4.7).
func (r *Reaper) sweepOne(ns, name string) {
	if !r.router.Responsible(name) {
		return
	}
	svc := r.registry.GetService(ns, name)
	if svc == nil {
		return
	}

	key := ns + "/" + name
	r.countersMu.Lock()
	defer r.countersMu.Unlock()

	if !svc.IsEmpty() {
		r.counters[key] = 0
		svc.FinalizeCount = 0
		return
	}

	count := r.counters[key]
	if count > MaxFinalizeCount {
		r.easyRemoveService(ns, name)
		delete(r.counters, key)
		return
	}
	count++
	r.counters[key] = count
	svc.FinalizeCount = count
}

// easyRemoveService removes only the service-meta key; the eventual
// onDelete notification performs the rest of teardown (spec.md §4.7).
func (r *Reaper) easyRemoveService(ns, name string) {
	if r.consistency == nil {
		return
	}
	if err := r.consistency.Remove(context.Background(), naming.ServiceMetaKey(ns, name)); err != nil {
		r.log.Warn("empty-service reap failed", "namespace", ns, "service", name, "error", err)
		return
	}
	r.metrics.IncServiceReaped()
}
