// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package metrics declares the armon/go-metrics counters and gauges this
// core emits, grounded on catalog/to-consul/syncer.go's SyncToConsulCounters
// block and catalog/metrics/metrics.go's Config shape. A nil Sink is a
// valid, inert Registry: tests construct one without wiring Prometheus.
package metrics

import (
	"sync/atomic"

	gometrics "github.com/armon/go-metrics"
	promsink "github.com/armon/go-metrics/prometheus"
)

var (
	baseName                = []string{"svc_registry"}
	registerName            = append(baseName, "register")
	deregisterName          = append(baseName, "deregister")
	serviceCreatedName      = append(baseName, "service", "created")
	serviceReapedName       = append(baseName, "service", "reaped")
	antiEntropyDivergeName  = append(baseName, "anti_entropy", "diverged")
	antiEntropyConvergeName = append(baseName, "anti_entropy", "converged")
)

// CounterDefinitions is handed to promsink.PrometheusOpts so every counter
// shows up with a zero value before first increment, mirroring
// catalog/to-consul's SyncToConsulCounters block.
var CounterDefinitions = []promsink.CounterDefinition{
	{Name: registerName, Help: "Instance register operations"},
	{Name: deregisterName, Help: "Instance deregister operations"},
	{Name: serviceCreatedName, Help: "Services created"},
	{Name: serviceReapedName, Help: "Empty services reaped"},
	{Name: antiEntropyDivergeName, Help: "Anti-entropy checksum divergences observed"},
	{Name: antiEntropyConvergeName, Help: "Anti-entropy pulls that changed local health"},
}

// Registry holds process-local atomic counters in addition to emitting
// through an optional Prometheus sink, so tests can assert on exact
// counts without standing up a metrics backend.
type Registry struct {
	Sink *promsink.PrometheusSink

	register    atomic.Int64
	deregister  atomic.Int64
	svcCreated  atomic.Int64
	svcReaped   atomic.Int64
	aeDiverged  atomic.Int64
	aeConverged atomic.Int64
}

// NewRegistry constructs a Registry with metrics emission disabled.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewRegistryWithSink constructs a Registry that also emits to sink.
func NewRegistryWithSink(sink *promsink.PrometheusSink) *Registry {
	return &Registry{Sink: sink}
}

func (r *Registry) incr(name []string, counter *atomic.Int64) {
	counter.Add(1)
	if r.Sink != nil {
		r.Sink.IncrCounterWithLabels(name, 1, nil)
	}
}

func (r *Registry) IncRegister()             { r.incr(registerName, &r.register) }
func (r *Registry) IncDeregister()           { r.incr(deregisterName, &r.deregister) }
func (r *Registry) IncServiceCreated()       { r.incr(serviceCreatedName, &r.svcCreated) }
func (r *Registry) IncServiceReaped()        { r.incr(serviceReapedName, &r.svcReaped) }
func (r *Registry) IncAntiEntropyDiverged()  { r.incr(antiEntropyDivergeName, &r.aeDiverged) }
func (r *Registry) IncAntiEntropyConverged() { r.incr(antiEntropyConvergeName, &r.aeConverged) }

func (r *Registry) RegisterCount() int64             { return r.register.Load() }
func (r *Registry) DeregisterCount() int64           { return r.deregister.Load() }
func (r *Registry) ServiceCreatedCount() int64       { return r.svcCreated.Load() }
func (r *Registry) ServiceReapedCount() int64        { return r.svcReaped.Load() }
func (r *Registry) AntiEntropyDivergedCount() int64  { return r.aeDiverged.Load() }
func (r *Registry) AntiEntropyConvergedCount() int64 { return r.aeConverged.Load() }

// NewPrometheusSink constructs the sink used by cmd/registry-agent,
// pre-registering CounterDefinitions (teacher precedent:
// catalog/to-consul's SyncToConsulCounters/SyncCatalogGauge wiring).
func NewPrometheusSink() (*promsink.PrometheusSink, error) {
	return promsink.NewPrometheusSinkFrom(promsink.PrometheusOpts{
		Expiration:         0,
		CounterDefinitions: CounterDefinitions,
	})
}

// Label is re-exported so callers don't need a second import for the
// occasional labeled increment outside this package.
type Label = gometrics.Label
