// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package merge

import (
	"context"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

func TestGenerateInstanceIDSnowflake(t *testing.T) {
	seen := mapset.NewSet[string]("0", "2")
	id := GenerateInstanceID(Snowflake, seen, &instance.Instance{})
	require.Equal(t, "1", id)
	require.True(t, seen.Contains("1"))

	id2 := GenerateInstanceID(Snowflake, seen, &instance.Instance{})
	require.Equal(t, "3", id2)
}

func TestGenerateInstanceIDComposite(t *testing.T) {
	i := &instance.Instance{IP: "1.2.3.4", Port: 80, ClusterName: "DEFAULT", ServiceName: "svc"}
	id := GenerateInstanceID(Composite, mapset.NewSet[string](), i)
	require.Equal(t, "1.2.3.4#80#DEFAULT#svc", id)
}

func TestMergeAddFirstInstance(t *testing.T) {
	consistency := contracts.NewFakeConsistency()
	m := New(consistency, Snowflake)
	svc := naming.NewService(naming.DefaultNamespace, naming.CanonicalServiceName("", "svc"))

	out, err := m.Merge(context.Background(), svc, Add, true, []*instance.Instance{
		{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "0", out[0].InstanceID)
}

func TestMergeAddEmptyResultFails(t *testing.T) {
	consistency := contracts.NewFakeConsistency()
	m := New(consistency, Composite)
	svc := naming.NewService(naming.DefaultNamespace, naming.CanonicalServiceName("", "svc"))

	_, err := m.Merge(context.Background(), svc, Add, true, nil)
	require.ErrorIs(t, err, naming.ErrInvalidArgument)
}

func TestMergeRemoveIsNoopWhenAbsent(t *testing.T) {
	consistency := contracts.NewFakeConsistency()
	m := New(consistency, Composite)
	svc := naming.NewService(naming.DefaultNamespace, naming.CanonicalServiceName("", "svc"))

	out, err := m.Merge(context.Background(), svc, Remove, true, []*instance.Instance{
		{IP: "10.0.0.9", Port: 1, Ephemeral: true, ClusterName: "DEFAULT"},
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMergePreservesLocalHealthOverRemoteSnapshot(t *testing.T) {
	consistency := contracts.NewFakeConsistency()
	key := naming.InstanceListKey(naming.DefaultNamespace, naming.CanonicalServiceName("", "svc"), true)
	remoteInst := &instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT", Healthy: false}
	_ = consistency.Put(context.Background(), key, []*instance.Instance{remoteInst})

	svc := naming.NewService(naming.DefaultNamespace, naming.CanonicalServiceName("", "svc"))
	svc.GetOrCreateCluster("DEFAULT")
	c, _ := svc.Cluster("DEFAULT")
	c.Put(&instance.Instance{IP: "10.0.0.1", Port: 8080, Ephemeral: true, ClusterName: "DEFAULT", Healthy: true, LastBeat: 42})

	m := New(consistency, Composite)
	out, err := m.Merge(context.Background(), svc, Add, true, []*instance.Instance{
		{IP: "10.0.0.2", Port: 9090, Ephemeral: true, ClusterName: "DEFAULT"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	var found bool
	for _, inst := range out {
		if inst.IPAddr() == "10.0.0.1:8080" {
			found = true
			require.True(t, inst.Healthy)
			require.EqualValues(t, 42, inst.LastBeat)
		}
	}
	require.True(t, found)
}
