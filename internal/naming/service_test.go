// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package naming

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
)

func TestChecksumOrderIndependent(t *testing.T) {
	mk := func(order []int) *Service {
		s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
		insts := []*instance.Instance{
			{IP: "10.0.0.1", Port: 1, Weight: 1, Healthy: true, ClusterName: "A"},
			{IP: "10.0.0.2", Port: 2, Weight: 1, Healthy: true, ClusterName: "A"},
			{IP: "10.0.0.3", Port: 3, Weight: 1, Healthy: true, ClusterName: "B"},
		}
		shuffled := make([]*instance.Instance, len(insts))
		for i, idx := range order {
			shuffled[i] = insts[idx]
		}
		s.updateIPs(shuffled, true)
		s.RecalculateChecksum()
		return s
	}

	a := mk([]int{0, 1, 2})
	b := mk([]int{2, 1, 0})
	require.Equal(t, a.Checksum, b.Checksum)
}

func TestOnChangeClampsAndFiresPush(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	push := &contracts.FakePush{}
	s.Init(hclog.NewNullLogger(), &contracts.FakeHealthScheduler{}, push)

	err := s.onChange("registry.naming.iplist.ephemeral.public##DEFAULT_GROUP::svc", []*instance.Instance{
		{IP: "10.0.0.1", Port: 80, Weight: 99999, Healthy: true, ClusterName: "DEFAULT", Ephemeral: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, push.Count())

	all := s.AllIPs()
	require.Len(t, all, 1)
	require.Equal(t, float64(instance.MaxWeight), all[0].Weight)
	require.NotEmpty(t, s.Checksum)
}

func TestOnChangeFatalOnNilInstance(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	err := s.onChange("registry.naming.iplist.ephemeral.public##DEFAULT_GROUP::svc", []*instance.Instance{nil})
	require.ErrorIs(t, err, ErrFatal)
	require.True(t, s.IsEmpty())
}

func TestTriggerFlag(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	s.ProtectThreshold = 0.5
	s.updateIPs([]*instance.Instance{
		{IP: "1.1.1.1", Port: 1, Healthy: false, ClusterName: "A"},
		{IP: "1.1.1.2", Port: 2, Healthy: false, ClusterName: "A"},
		{IP: "1.1.1.3", Port: 3, Healthy: true, ClusterName: "A"},
	}, true)
	require.True(t, s.TriggerFlag())
}

func TestServiceImplementsChangeListener(t *testing.T) {
	var _ contracts.ChangeListener = (*Service)(nil)
}

func TestInterestsMatchesOnlyOwnInstanceListKeys(t *testing.T) {
	s := NewService("public", CanonicalServiceName("", "svc"))
	require.True(t, s.Interests(InstanceListKey("public", s.Name, true)))
	require.True(t, s.Interests(InstanceListKey("public", s.Name, false)))
	require.True(t, s.MatchUnlistenKey(InstanceListKey("public", s.Name, true)))
	require.False(t, s.Interests(InstanceListKey("public", "other::svc", true)))
	require.False(t, s.Interests(ServiceMetaKey("public", s.Name)))
}

func TestOnChangeInterfaceMethodAppliesInstances(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	push := &contracts.FakePush{}
	s.Init(hclog.NewNullLogger(), &contracts.FakeHealthScheduler{}, push)

	key := InstanceListKey(DefaultNamespace, s.Name, true)
	s.OnChange(key, []*instance.Instance{
		{IP: "10.0.0.1", Port: 80, Healthy: true, ClusterName: "DEFAULT", Ephemeral: true},
	})

	require.Len(t, s.AllIPs(), 1)
	require.Equal(t, 1, push.Count())
}

func TestOnChangeInterfaceMethodIgnoresWrongPayloadType(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	require.NotPanics(t, func() {
		s.OnChange(InstanceListKey(DefaultNamespace, s.Name, true), "not-an-instance-list")
	})
	require.True(t, s.IsEmpty())
}

func TestUpdateReconcilesClusters(t *testing.T) {
	s := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	s.GetOrCreateCluster("A")
	s.GetOrCreateCluster("B")

	other := NewService(DefaultNamespace, CanonicalServiceName("", "svc"))
	other.GetOrCreateCluster("A")
	other.GetOrCreateCluster("C")
	other.Token = "tok"

	s.Update(other)
	require.Equal(t, "tok", s.Token)
	_, hasA := s.Cluster("A")
	_, hasB := s.Cluster("B")
	_, hasC := s.Cluster("C")
	require.True(t, hasA)
	require.False(t, hasB)
	require.True(t, hasC)
}
