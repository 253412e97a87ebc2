// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package naming

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
)

// DefaultIPDeleteTimeout is the heartbeat staleness window after which an
// ephemeral instance is considered gone (spec.md §3).
const DefaultIPDeleteTimeout = 30 * time.Second

// Service is the aggregate root for a logical service identified by
// group::name within a namespace (spec.md §3).
type Service struct {
	mu sync.Mutex

	// WriteMu is the per-service mutation boundary spec.md §5 requires
	// for addInstance/removeInstance/updateIps: callers serialize the
	// merge-then-Consistency.Put sequence on this lock. It is distinct
	// from the internal mu above (which only guards this struct's own
	// fields) so that Registry can hold WriteMu across a call into
	// InstanceMerger without risking reentrant locking of mu.
	WriteMu sync.Mutex

	NamespaceID      string
	Name             string // group::name
	GroupName        string
	ProtectThreshold float64
	Metadata         map[string]string
	Owners           []string
	Token            string
	Selector         string // opaque client-side filter, passed through
	Enabled          bool
	ResetWeight      bool

	LastModifiedMillis int64
	Checksum           string
	FinalizeCount      int

	ClusterMap map[string]*Cluster

	IPDeleteTimeout time.Duration

	log       hclog.Logger
	push      contracts.Push
	scheduler contracts.HealthScheduler
	tasks     map[string]contracts.HealthCheckTask
}

// NewService constructs an empty Service with defaults matching spec.md §3.
func NewService(namespaceID, name string) *Service {
	group, _ := SplitServiceName(name)
	return &Service{
		NamespaceID:      namespaceID,
		Name:             name,
		GroupName:        group,
		ProtectThreshold: 0,
		Metadata:         make(map[string]string),
		Enabled:          true,
		ClusterMap:       make(map[string]*Cluster),
		IPDeleteTimeout:  DefaultIPDeleteTimeout,
		log:              hclog.NewNullLogger(),
	}
}

// Init registers per-cluster health checks with HealthScheduler
// (spec.md §4.3) and records log for the OnChange/OnDelete callbacks
// Registry.PutServiceAndInit registers this Service under (spec.md §4.1's
// "Listener-as-entity" design: a Service is listener for its own
// instance-list keys).
func (s *Service) Init(log hclog.Logger, scheduler contracts.HealthScheduler, push contracts.Push) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s.log = log
	s.scheduler = scheduler
	s.push = push
	s.tasks = make(map[string]contracts.HealthCheckTask)
	if scheduler == nil {
		return
	}
	for name := range s.ClusterMap {
		task := fmt.Sprintf("healthcheck:%s:%s:%s", s.NamespaceID, s.Name, name)
		s.tasks[name] = task
		_ = scheduler.ScheduleCheck(task)
	}
}

// Destroy deregisters the per-cluster health checks (spec.md §4.3). The
// caller (Registry/ChangeListener) is responsible for removing consensus
// keys and the registry-table entry.
func (s *Service) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return
	}
	for _, task := range s.tasks {
		_ = s.scheduler.CancelCheck(task)
	}
	s.tasks = nil
}

// getOrCreateCluster returns the named cluster, lazily creating it with
// default config if absent. Caller must hold s.mu.
func (s *Service) getOrCreateCluster(name string) *Cluster {
	if name == "" {
		name = DefaultCluster
	}
	c, ok := s.ClusterMap[name]
	if !ok {
		c = NewCluster(name, s)
		s.ClusterMap[name] = c
		if s.scheduler != nil {
			task := fmt.Sprintf("healthcheck:%s:%s:%s", s.NamespaceID, s.Name, name)
			if s.tasks == nil {
				s.tasks = make(map[string]contracts.HealthCheckTask)
			}
			s.tasks[name] = task
			_ = s.scheduler.ScheduleCheck(task)
		}
	}
	return c
}

// GetOrCreateCluster is the exported form used by InstanceMerger, which
// mutates clusters outside of onChange/update.
func (s *Service) GetOrCreateCluster(name string) *Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateCluster(name)
}

// Cluster returns the named cluster if present.
func (s *Service) Cluster(name string) (*Cluster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ClusterMap[name]
	return c, ok
}

// AllIPs returns every instance across every cluster (spec.md invariant 2).
func (s *Service) AllIPs() []*instance.Instance {
	s.mu.Lock()
	clusters := make([]*Cluster, 0, len(s.ClusterMap))
	for _, c := range s.ClusterMap {
		clusters = append(clusters, c)
	}
	s.mu.Unlock()

	var out []*instance.Instance
	for _, c := range clusters {
		out = append(out, c.AllIPs()...)
	}
	return out
}

// GetInstance looks up an instance by ip:port across all clusters.
func (s *Service) GetInstance(ipAddr string) *instance.Instance {
	for _, inst := range s.AllIPs() {
		if inst.IPAddr() == ipAddr {
			return inst
		}
	}
	return nil
}

// IsEmpty reports whether the service has zero instances in every cluster.
func (s *Service) IsEmpty() bool {
	s.mu.Lock()
	clusters := make([]*Cluster, 0, len(s.ClusterMap))
	for _, c := range s.ClusterMap {
		clusters = append(clusters, c)
	}
	s.mu.Unlock()
	for _, c := range clusters {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// onChange implements the typed logic spec.md §4.3 describes for a
// Consistency delivery on one of this Service's own instance-list keys:
// clamp weights, install the new plane contents per cluster, recompute the
// checksum, and fire Push.ServiceChanged.
func (s *Service) onChange(key string, instances []*instance.Instance) error {
	for _, inst := range instances {
		if inst == nil {
			return ErrFatal
		}
		inst.Clamp()
	}
	ephemeral := matchesEphemeralKey(key)
	s.updateIPs(instances, ephemeral)
	s.RecalculateChecksum()

	s.mu.Lock()
	push := s.push
	ns, name := s.NamespaceID, s.Name
	s.mu.Unlock()
	if push != nil {
		push.ServiceChanged(ns, name)
	}
	return nil
}

// Interests reports whether key is one of this Service's own instance-list
// keys (spec.md §9 "Listener-as-entity cycle": a Service is listener for
// its own ephemeral and persistent instance-list keys only, not for
// service-meta keys — those are routed through the shared ChangeListener).
func (s *Service) Interests(key string) bool {
	s.mu.Lock()
	ns, name := s.NamespaceID, s.Name
	s.mu.Unlock()
	return key == InstanceListKey(ns, name, true) || key == InstanceListKey(ns, name, false)
}

// MatchUnlistenKey mirrors Interests: any key this Service accepts is also
// one it detaches from on an explicit unlisten.
func (s *Service) MatchUnlistenKey(key string) bool {
	return s.Interests(key)
}

// OnChange implements contracts.ChangeListener, letting Registry register
// this Service directly with Consistency for its own instance-list keys
// (spec.md §4.1 putServiceAndInit). Errors are logged, not surfaced: this
// is the asynchronous delivery path (spec.md §7).
func (s *Service) OnChange(key string, value interface{}) {
	instances, ok := value.([]*instance.Instance)
	if !ok {
		s.log.Error("instance-list change with unexpected payload type", "key", key)
		return
	}
	if err := s.onChange(key, instances); err != nil {
		s.log.Error("onChange failed, prior state retained", "key", key, "error", err)
	}
}

// OnDelete is a no-op: an instance-list key is only removed as part of
// service teardown, which the shared ChangeListener already drives via
// Service.Destroy on the service-meta delete (spec.md §4.4).
func (s *Service) OnDelete(string) {}

func matchesEphemeralKey(key string) bool {
	_, _, ok := MatchEphemeralInstanceListKey(key)
	return ok
}

// updateIPs partitions instances by cluster name (auto-creating clusters)
// and installs each partition on the given plane. Existing clusters with no
// instance in the list have that plane emptied.
func (s *Service) updateIPs(instances []*instance.Instance, ephemeral bool) {
	byCluster := make(map[string][]*instance.Instance)
	for _, inst := range instances {
		cn := inst.ClusterName
		if cn == "" {
			cn = DefaultCluster
		}
		byCluster[cn] = append(byCluster[cn], inst)
	}

	s.mu.Lock()
	clusters := make(map[string]*Cluster, len(byCluster)+len(s.ClusterMap))
	for cn, c := range s.ClusterMap {
		clusters[cn] = c
	}
	for cn := range byCluster {
		clusters[cn] = s.getOrCreateCluster(cn)
	}
	s.LastModifiedMillis = nowMillis()
	s.mu.Unlock()

	for cn, c := range clusters {
		c.UpdateIPs(byCluster[cn], ephemeral)
	}
}

// Update copies mutable top-level fields from other and reconciles
// ClusterMap membership, per spec.md §4.3.
func (s *Service) Update(other *Service) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Token = other.Token
	s.Owners = append([]string(nil), other.Owners...)
	s.ProtectThreshold = other.ProtectThreshold
	s.ResetWeight = other.ResetWeight
	s.Enabled = other.Enabled
	s.Selector = other.Selector
	s.Metadata = copyMetadata(other.Metadata)

	for name, c := range other.ClusterMap {
		if existing, ok := s.ClusterMap[name]; ok {
			existing.HealthCheck = c.HealthCheck
			continue
		}
		s.ClusterMap[name] = NewCluster(name, s)
		s.ClusterMap[name].HealthCheck = c.HealthCheck
	}
	for name := range s.ClusterMap {
		if _, ok := other.ClusterMap[name]; !ok {
			if task, ok := s.tasks[name]; ok && s.scheduler != nil {
				_ = s.scheduler.CancelCheck(task)
			}
			delete(s.tasks, name)
			delete(s.ClusterMap, name)
		}
	}

	s.unlockedRecalculateChecksum()
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TriggerFlag implements the protection-threshold check from spec.md
// §4.3: true when the healthy fraction is at or below ProtectThreshold.
func (s *Service) TriggerFlag() bool {
	all := s.AllIPs()
	if len(all) == 0 {
		return false
	}
	healthy := 0
	for _, inst := range all {
		if inst.Healthy {
			healthy++
		}
	}
	s.mu.Lock()
	threshold := s.ProtectThreshold
	s.mu.Unlock()
	return float64(healthy)/float64(len(all)) <= threshold
}

// RecalculateChecksum recomputes Checksum from the canonical serialization
// of the service header and the sorted instance list (spec.md §4.3,
// invariant 4).
func (s *Service) RecalculateChecksum() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockedRecalculateChecksum()
}

func (s *Service) unlockedRecalculateChecksum() {
	var instStrs []string
	for _, c := range s.ClusterMap {
		for _, inst := range c.AllIPs() {
			instStrs = append(instStrs, inst.String())
		}
	}
	sort.Strings(instStrs)

	h := md5.New()
	h.Write([]byte(s.serviceString()))
	for _, str := range instStrs {
		h.Write([]byte(str))
	}
	s.Checksum = hex.EncodeToString(h.Sum(nil))
}

// serviceString is the canonical header serialization the checksum
// depends on, per spec.md's invariant 4.
func (s *Service) serviceString() string {
	return fmt.Sprintf("%s:%s:%t:%g:%t", s.NamespaceID, s.Name, s.Enabled, s.ProtectThreshold, s.ResetWeight)
}

func nowMillis() int64 {
	return NowMillis()
}

// NowMillis returns the current time as epoch milliseconds, the unit
// Service.LastModifiedMillis and Instance.LastBeat are expressed in.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
