// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package reaper

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/merge"
	"github.com/hashicorp/go-svc-registry/internal/metrics"
	"github.com/hashicorp/go-svc-registry/internal/naming"
	"github.com/hashicorp/go-svc-registry/internal/registry"
)

type alwaysResponsible bool

func (a alwaysResponsible) Responsible(string) bool { return bool(a) }

func newTestRegistry(t *testing.T) (*registry.Registry, *contracts.FakeConsistency) {
	t.Helper()
	consistency := contracts.NewFakeConsistency()
	merger := merge.New(consistency, merge.Composite)
	reg := registry.New(hclog.NewNullLogger(), consistency, &contracts.FakePush{}, &contracts.FakeHealthScheduler{}, merger)
	return reg, consistency
}

func TestSweepRemovesAfterMaxFinalizeCount(t *testing.T) {
	reg, consistency := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateEmptyServiceIfAbsent(ctx, "public", "DEFAULT_GROUP::empty", false, "")
	require.NoError(t, err)

	m := metrics.NewRegistry()
	r := New(hclog.NewNullLogger(), reg, alwaysResponsible(true), consistency, m, Config{AutoClean: true})

	// finalizeCount only exceeds MaxFinalizeCount on the (MaxFinalizeCount+2)th
	// empty sweep: each sweep checks the count from before this cycle, then
	// increments it (spec.md §4.7).
	for i := 0; i < MaxFinalizeCount+1; i++ {
		r.sweep()
	}
	require.Equal(t, int64(0), m.ServiceReapedCount())

	r.sweep()
	require.Equal(t, int64(1), m.ServiceReapedCount())

	_, ok := consistency.Get(naming.ServiceMetaKey("public", "DEFAULT_GROUP::empty"))
	require.False(t, ok)
}

func TestSweepResetsCounterWhenNonEmpty(t *testing.T) {
	reg, consistency := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateEmptyServiceIfAbsent(ctx, "public", "DEFAULT_GROUP::web", false, "")
	require.NoError(t, err)

	m := metrics.NewRegistry()
	r := New(hclog.NewNullLogger(), reg, alwaysResponsible(true), consistency, m, Config{AutoClean: true})

	r.sweep()
	r.sweep()
	require.Equal(t, 2, svc.FinalizeCount)

	require.NoError(t, reg.AddInstance(ctx, svc, false, &instance.Instance{IP: "10.0.0.1", Port: 80, Healthy: true}))
	r.sweep()
	require.Equal(t, 0, svc.FinalizeCount)
}

func TestSweepSkipsWhenNotResponsible(t *testing.T) {
	reg, consistency := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateEmptyServiceIfAbsent(ctx, "public", "DEFAULT_GROUP::empty", false, "")
	require.NoError(t, err)

	m := metrics.NewRegistry()
	r := New(hclog.NewNullLogger(), reg, alwaysResponsible(false), consistency, m, Config{AutoClean: true})

	for i := 0; i < MaxFinalizeCount+2; i++ {
		r.sweep()
	}
	require.Equal(t, int64(0), m.ServiceReapedCount())
}
