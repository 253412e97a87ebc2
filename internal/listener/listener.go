// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package listener implements ChangeListener (C7): the subscriber that
// turns asynchronous Consistency notifications into Service/Registry
// mutations (spec.md §4.4).
package listener

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

// ServiceStore is the subset of Registry that ChangeListener depends on,
// kept narrow to avoid an import cycle back to package registry.
type ServiceStore interface {
	GetService(ns, name string) *naming.Service
	PutServiceAndInit(ctx context.Context, svc *naming.Service)
	RemoveService(ns, name string)
}

// Listener subscribes to Consistency for service-meta key changes only: new
// or updated persistent services discovered from peers (spec.md §4.4). Each
// Service's own instance-list keys are self-registered by
// Registry.PutServiceAndInit (spec.md §9 "Listener-as-entity cycle"); this
// listener never handles instance-list keys.
type Listener struct {
	log         hclog.Logger
	store       ServiceStore
	consistency contracts.Consistency
	scheduler   contracts.HealthScheduler
	push        contracts.Push
}

// New constructs a Listener.
func New(log hclog.Logger, store ServiceStore, consistency contracts.Consistency, scheduler contracts.HealthScheduler, push contracts.Push) *Listener {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Listener{log: log, store: store, consistency: consistency, scheduler: scheduler, push: push}
}

// Interests matches only service-meta keys (excluding switch/config keys,
// which this core doesn't model). Instance-list keys are each Service's
// own concern, not this listener's.
func (l *Listener) Interests(key string) bool {
	_, _, ok := naming.MatchServiceMetaKey(key)
	return ok
}

// MatchUnlistenKey mirrors Interests: any key this listener would accept
// is also one it will detach from on an explicit unlisten.
func (l *Listener) MatchUnlistenKey(key string) bool {
	return l.Interests(key)
}

// OnChange reconciles or creates the Service named by a service-meta key
// change per spec.md §4.4, catching any panic at this outer boundary so one
// bad key cannot silence later notifications (spec.md §7 propagation
// policy).
func (l *Listener) OnChange(key string, value interface{}) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("change listener callback panicked", "key", key, "panic", r)
		}
	}()

	ns, name, ok := naming.MatchServiceMetaKey(key)
	if !ok {
		return
	}
	l.onServiceMetaChange(ns, name, value)
}

func (l *Listener) onServiceMetaChange(ns, name string, value interface{}) {
	if ns == "" {
		ns = naming.DefaultNamespace
	}
	incoming, ok := value.(*naming.Service)
	if !ok {
		l.log.Error("service-meta change with unexpected payload type", "namespace", ns, "service", name)
		return
	}

	if existing := l.store.GetService(ns, name); existing != nil {
		existing.Update(incoming)
		// Re-register the Service's own instance-list listeners idempotently
		// to recover from an accidental unlisten (spec.md §4.4).
		l.relisten(ns, name, existing)
		return
	}
	l.store.PutServiceAndInit(context.Background(), incoming)
}

// relisten re-registers svc as the ChangeListener for its own instance-list
// keys. PutServiceAndInit already does this on first creation; this handles
// the update path where svc already existed before this peer-sourced change
// arrived.
func (l *Listener) relisten(ns, name string, svc *naming.Service) {
	if l.consistency == nil {
		return
	}
	_ = l.consistency.Listen(naming.InstanceListKey(ns, name, true), svc)
	_ = l.consistency.Listen(naming.InstanceListKey(ns, name, false), svc)
}

// OnDelete resolves (ns, name), tears the Service down, removes both
// instance-list keys, unlistens the meta key, and removes the service
// from the registry table (spec.md §4.4).
func (l *Listener) OnDelete(key string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("change listener delete callback panicked", "key", key, "panic", r)
		}
	}()

	ns, name, ok := naming.MatchServiceMetaKey(key)
	if !ok {
		return
	}
	if ns == "" {
		ns = naming.DefaultNamespace
	}

	svc := l.store.GetService(ns, name)
	if svc == nil {
		return
	}
	svc.Destroy()

	ctx := context.Background()
	if l.consistency != nil {
		_ = l.consistency.Remove(ctx, naming.InstanceListKey(ns, name, true))
		_ = l.consistency.Remove(ctx, naming.InstanceListKey(ns, name, false))
		_ = l.consistency.Unlisten(naming.ServiceMetaKey(ns, name), l)
	}
	l.store.RemoveService(ns, name)
}
