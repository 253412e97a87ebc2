// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package contracts holds the interfaces for the five collaborators that
// live outside this registry core (spec.md §6): the replicated-log
// consensus engine, the peer transport, peer membership, the change-push
// server, and the health-check/heartbeat scheduler. This core only ever
// calls through these contracts; their implementations are out of scope.
package contracts

import "context"

// Datum is what Consistency.Get returns for a key: the decoded value plus
// whatever opaque version/metadata the consensus layer wants to keep. The
// registry core treats Value as either a *naming.Service (service-meta
// keys) or an instance-list payload (instance-list keys); callers type
// assert.
type Datum struct {
	Value interface{}
}

// ChangeListener is notified asynchronously by Consistency when a key it
// is interested in changes or is removed.
type ChangeListener interface {
	// Interests reports whether this listener wants notifications for key.
	Interests(key string) bool
	// MatchUnlistenKey reports whether an unlisten request for key should
	// detach this listener.
	MatchUnlistenKey(key string) bool
	OnChange(key string, value interface{})
	OnDelete(key string)
}

// Consistency is the out-of-scope replicated-log / consensus engine used
// for persistent data and as the write path for every instance-list
// mutation (spec.md §2, §4.1).
type Consistency interface {
	Put(ctx context.Context, key string, value interface{}) error
	Get(key string) (Datum, bool)
	Remove(ctx context.Context, key string) error
	Listen(key string, l ChangeListener) error
	Unlisten(key string, l ChangeListener) error
}

// Member is one peer in the cluster's membership view.
type Member struct {
	Address string
}

// Members is the out-of-scope peer-membership component.
type Members interface {
	AllMembers() []Member
	LocalAddress() string
}

// Synchronizer is the out-of-scope peer HTTP transport used by
// anti-entropy (spec.md §4.6, §6).
type Synchronizer interface {
	// Send is a fire-and-forget checksum broadcast to peerAddr.
	Send(ctx context.Context, peerAddr string, message []byte) error
	// Get fetches the authoritative instance snapshot for fullServiceName
	// from peerAddr.
	Get(ctx context.Context, peerAddr string, fullServiceName string) ([]byte, error)
}

// Push is the out-of-scope change-broadcast/long-poll server to clients.
type Push interface {
	ServiceChanged(namespaceID, serviceName string)
}

// HealthCheckTask is an opaque handle returned by HealthScheduler so
// callers can later cancel it.
type HealthCheckTask interface{}

// HealthScheduler is the out-of-scope health-check/heartbeat scheduler for
// persistent instances and the heartbeat timeout sweeper for ephemeral
// ones (spec.md §4.3, §4.7's sibling).
type HealthScheduler interface {
	ScheduleCheck(task HealthCheckTask) error
	CancelCheck(task HealthCheckTask) error
	ScheduleNow(task HealthCheckTask) error
}
