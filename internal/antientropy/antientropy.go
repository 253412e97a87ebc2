// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package antientropy implements AntiEntropy (C8): the periodic
// checksum-reporter and pull-on-divergence worker pool that converges
// instance health across peer registries (spec.md §4.6).
//
// Anti-entropy in this layer converges only `healthy`, never membership:
// membership for ephemerals converges by routing writes to the
// responsible peer and by heartbeat expiry; membership for persistents
// converges through Consistency. That separation is why this loop is
// safe to run forever.
package antientropy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/metrics"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

// DefaultQueueCapacity is the ~1Mi bound spec.md §4.6/§5 specifies.
const DefaultQueueCapacity = 1 << 20

// ServiceLister is the narrow Registry surface AntiEntropy reads.
type ServiceLister interface {
	GetAllNamespaces() []string
	GetAllServiceNames(ns string) []string
	GetService(ns, name string) *naming.Service
}

// Responsible answers DistroRouter.Responsible.
type Responsible interface {
	Responsible(serviceName string) bool
}

// Config controls AntiEntropy's periodic cadence and worker pool size.
type Config struct {
	ReportPeriod  time.Duration // default 60s
	QueueCapacity int           // default DefaultQueueCapacity
	PullWorkers   int           // default 4
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{ReportPeriod: 60 * time.Second, QueueCapacity: DefaultQueueCapacity, PullWorkers: 4}
}

// AntiEntropy owns the reporter, the bounded deque, and the pull worker
// pool.
type AntiEntropy struct {
	log hclog.Logger

	registry ServiceLister
	router   Responsible
	members  contracts.Members
	sync     contracts.Synchronizer
	push     contracts.Push
	metrics  *metrics.Registry

	cfg Config

	queue *boundedDeque

	periodMu sync.RWMutex
}

// New constructs an AntiEntropy. All collaborators may be fakes in tests.
func New(log hclog.Logger, registry ServiceLister, router Responsible, members contracts.Members, synchronizer contracts.Synchronizer, push contracts.Push, m *metrics.Registry, cfg Config) *AntiEntropy {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.ReportPeriod <= 0 {
		cfg.ReportPeriod = 60 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.PullWorkers <= 0 {
		cfg.PullWorkers = 4
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &AntiEntropy{
		log:      log,
		registry: registry,
		router:   router,
		members:  members,
		sync:     synchronizer,
		push:     push,
		metrics:  m,
		cfg:      cfg,
		queue:    newBoundedDeque(cfg.QueueCapacity),
	}
}

// SetReportPeriod live-reconfigures the reporter cadence (spec.md §4.6:
// "Reschedules itself with current period from SwitchDomain").
func (a *AntiEntropy) SetReportPeriod(d time.Duration) {
	a.periodMu.Lock()
	defer a.periodMu.Unlock()
	a.cfg.ReportPeriod = d
}

func (a *AntiEntropy) reportPeriod() time.Duration {
	a.periodMu.RLock()
	defer a.periodMu.RUnlock()
	return a.cfg.ReportPeriod
}

// Run starts the reporter loop and the pull worker pool; it blocks until
// ctx is cancelled, at which point it drains in-flight work and returns.
func (a *AntiEntropy) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.PullWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pullLoop(ctx)
		}()
	}

	ticker := time.NewTicker(a.reportPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.queue.Close()
			wg.Wait()
			return
		case <-ticker.C:
			a.report(ctx)
			ticker.Reset(a.reportPeriod())
		}
	}
}

// checksumReport is the wire payload Reporter sends, spec.md §4.6.
type checksumReport struct {
	NamespaceID string            `json:"namespaceId"`
	Checksums   map[string]string `json:"checksums"`
}

// report runs one reporter sweep: for every namespace, every
// locally-responsible non-empty service gets its checksum recomputed and
// broadcast to every other peer. Failures are logged and do not abort the
// sweep (spec.md §4.6, §7).
func (a *AntiEntropy) report(ctx context.Context) {
	var errs *multierror.Error
	for _, ns := range a.registry.GetAllNamespaces() {
		checksums := make(map[string]string)
		for _, name := range a.registry.GetAllServiceNames(ns) {
			svc := a.registry.GetService(ns, name)
			if svc == nil || !a.router.Responsible(name) || svc.IsEmpty() {
				continue
			}
			svc.RecalculateChecksum()
			checksums[name] = svc.Checksum
		}
		if len(checksums) == 0 {
			continue
		}
		payload, err := json.Marshal(checksumReport{NamespaceID: ns, Checksums: checksums})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		a.broadcast(ctx, payload)
	}
	if errs != nil {
		a.log.Warn("anti-entropy report sweep had errors", "error", errs)
	}
}

func (a *AntiEntropy) broadcast(ctx context.Context, payload []byte) {
	local := a.members.LocalAddress()
	for _, peer := range a.members.AllMembers() {
		if peer.Address == local {
			continue
		}
		if err := a.sync.Send(ctx, peer.Address, payload); err != nil {
			a.log.Warn("anti-entropy send failed", "peer", peer.Address, "error", err)
		}
	}
}

// HandleReport is the receive path: for every (name, remoteChecksum) this
// peer is NOT responsible for, compare against the local checksum and
// enqueue on divergence or local absence (spec.md §4.6).
func (a *AntiEntropy) HandleReport(peerAddr string, payload []byte) error {
	var report checksumReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return err
	}
	for name, remoteChecksum := range report.Checksums {
		if a.router.Responsible(name) {
			continue
		}
		svc := a.registry.GetService(report.NamespaceID, name)
		if svc == nil || svc.Checksum != remoteChecksum {
			a.metrics.IncAntiEntropyDiverged()
			a.queue.Enqueue(ServiceKey{
				NamespaceID:    report.NamespaceID,
				ServiceName:    name,
				PeerAddr:       peerAddr,
				RemoteChecksum: remoteChecksum,
			})
		}
	}
	return nil
}

// QueueLen exposes the current pending-pull depth for tests/metrics.
func (a *AntiEntropy) QueueLen() int { return a.queue.Len() }

// pullLoop continuously takes divergent keys and dispatches pull tasks.
func (a *AntiEntropy) pullLoop(ctx context.Context) {
	for {
		key, ok := a.queue.Take()
		if !ok {
			return
		}
		a.pull(ctx, key)
	}
}

// pullResponse is the {ips: [...]} payload Synchronizer.Get returns.
type pullResponse struct {
	Dom         string   `json:"dom"`
	IPs         []string `json:"ips"`
	Checksum    string   `json:"checksum"`
	LastRefTime int64    `json:"lastRefTime"`
}

// pull fetches the authoritative snapshot for one divergent service and
// overwrites local health where it differs (spec.md §4.6, §8 invariant 5).
func (a *AntiEntropy) pull(ctx context.Context, key ServiceKey) {
	svc := a.registry.GetService(key.NamespaceID, key.ServiceName)
	if svc == nil {
		return
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var body []byte
	err := backoff.Retry(func() error {
		var rerr error
		body, rerr = a.sync.Get(ctx, key.PeerAddr, key.ServiceName)
		return rerr
	}, b)
	if err != nil {
		// TransientPeerFailure per spec.md §7: logged, skipped, never surfaced.
		a.log.Warn("anti-entropy pull failed", "peer", key.PeerAddr, "service", key.ServiceName, "error", err)
		return
	}

	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		a.log.Warn("anti-entropy pull response unparsable", "peer", key.PeerAddr, "service", key.ServiceName, "error", err)
		return
	}

	remoteHealthy := make(map[string]bool, len(resp.IPs))
	for _, enc := range resp.IPs {
		inst, err := instance.FromString(enc, true)
		if err != nil {
			continue
		}
		remoteHealthy[inst.IPAddr()] = inst.Healthy
	}

	changed := false
	for _, inst := range svc.AllIPs() {
		if h, ok := remoteHealthy[inst.IPAddr()]; ok && inst.Healthy != h {
			inst.Healthy = h
			changed = true
		}
	}
	if changed {
		a.metrics.IncAntiEntropyConverged()
		if a.push != nil {
			a.push.ServiceChanged(key.NamespaceID, key.ServiceName)
		}
	}
}
