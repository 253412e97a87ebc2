// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/merge"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

func newTestRegistry() (*Registry, *contracts.FakeConsistency) {
	consistency := contracts.NewFakeConsistency()
	m := merge.New(consistency, merge.Snowflake)
	r := New(hclog.NewNullLogger(), consistency, &contracts.FakePush{}, &contracts.FakeHealthScheduler{}, m)
	return r, consistency
}

func TestS1RegisterFirstInstance(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	inst := &instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT"}

	err := r.RegisterInstance(ctx, "public", "DEFAULT_GROUP::svc", inst)
	require.NoError(t, err)

	svc := r.GetService("public", "DEFAULT_GROUP::svc")
	require.NotNil(t, svc)

	key := naming.InstanceListKey("public", "DEFAULT_GROUP::svc", true)
	datum, ok := r.Consistency.Get(key)
	require.True(t, ok)
	list := datum.Value.([]*instance.Instance)
	require.Len(t, list, 1)
}

// TestRegisterThenOnChangeUpdatesService verifies the Service is visible in
// ClusterMap purely through the production write path: RegisterInstance's
// Consistency.Put must reach the Service (registered as its own listener by
// PutServiceAndInit) without any test-side OnChange call.
func TestRegisterThenOnChangeUpdatesService(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	inst := &instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT"}
	require.NoError(t, r.RegisterInstance(ctx, "public", "DEFAULT_GROUP::svc", inst))

	svc := r.GetService("public", "DEFAULT_GROUP::svc")
	require.Len(t, svc.AllIPs(), 1)
}

func TestDeregisterAbsentInstanceIsNoopPut(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	_, err := r.CreateEmptyServiceIfAbsent(ctx, "public", "DEFAULT_GROUP::svc", true, "")
	require.NoError(t, err)

	err = r.DeregisterInstance(ctx, "public", "DEFAULT_GROUP::svc", true, &instance.Instance{IP: "9.9.9.9", Port: 1, Ephemeral: true})
	require.NoError(t, err)

	key := naming.InstanceListKey("public", "DEFAULT_GROUP::svc", true)
	_, ok := r.Consistency.Get(key)
	require.True(t, ok)
}

// TestAddInstanceIdempotentSameIPAddr also exercises the self-registration
// write path: each AddInstance's Consistency.Put is expected to land on
// svc.AllIPs() without any manual OnChange call.
func TestAddInstanceIdempotentSameIPAddr(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	svc, err := r.CreateEmptyServiceIfAbsent(ctx, "public", "DEFAULT_GROUP::svc", true, "")
	require.NoError(t, err)

	inst := &instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT"}
	require.NoError(t, r.AddInstance(ctx, svc, true, inst))
	require.Len(t, svc.AllIPs(), 1)

	inst2 := &instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT"}
	require.NoError(t, r.AddInstance(ctx, svc, true, inst2))
	require.Len(t, svc.AllIPs(), 1)
}

func TestS6PagedSearch(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	for _, name := range []string{"DEFAULT_GROUP::a-svc", "DEFAULT_GROUP::b-svc", "DEFAULT_GROUP::c-svc"} {
		_, err := r.CreateEmptyServiceIfAbsent(ctx, "ns", name, true, "")
		require.NoError(t, err)
	}

	page0, err := r.GetPagedService("ns", PageParams{StartPage: 0, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page0.Services, 2)
	require.Equal(t, 3, page0.Total)

	page1, err := r.GetPagedService("ns", PageParams{StartPage: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1.Services, 1)
}

func TestSearchServicesFullMatch(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	_, err := r.CreateEmptyServiceIfAbsent(ctx, "ns", "DEFAULT_GROUP::foo-svc", true, "")
	require.NoError(t, err)
	_, err = r.CreateEmptyServiceIfAbsent(ctx, "ns", "DEFAULT_GROUP::bar", true, "")
	require.NoError(t, err)

	names, err := r.SearchServices("ns", ".*svc")
	require.NoError(t, err)
	require.Equal(t, []string{"DEFAULT_GROUP::foo-svc"}, names)
}

func TestInvalidServiceNameRejected(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.CreateEmptyServiceIfAbsent(context.Background(), "ns", "bad name!", true, "")
	require.ErrorIs(t, err, naming.ErrInvalidArgument)
}
