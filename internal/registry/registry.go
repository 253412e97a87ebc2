// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package registry implements Registry (C4): the two-level
// namespace->name->Service table, CRUD, listing, paging and search
// (spec.md §4.1).
package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/instance"
	"github.com/hashicorp/go-svc-registry/internal/merge"
	"github.com/hashicorp/go-svc-registry/internal/metrics"
	"github.com/hashicorp/go-svc-registry/internal/naming"
)

// Registry owns the namespace -> name -> Service table and the
// operations spec.md §4.1 describes.
type Registry struct {
	log hclog.Logger

	Consistency contracts.Consistency
	Push        contracts.Push
	Scheduler   contracts.HealthScheduler
	Merger      *merge.Merger

	// MetaListener is the shared ChangeListener (C7) that reconciles
	// service-meta key changes from peers (spec.md §4.4). It is distinct
	// from the per-instance-list self-registration PutServiceAndInit does
	// below: a Service only ever listens for its own instance-list keys
	// (spec.md §9 "Listener-as-entity cycle"), never for service-meta keys.
	// Settable post-construction since listener.New needs a ServiceStore
	// back-reference to this Registry.
	MetaListener contracts.ChangeListener

	// putGuard is the single process-wide monitor that makes first-time
	// namespace insertion race-free (spec.md §5).
	putGuard sync.Mutex

	tableMu sync.RWMutex
	table   map[string]map[string]*naming.Service // namespaceID -> serviceName -> Service

	Metrics *metrics.Registry
}

// New constructs a Registry. consistency/push/scheduler may be fakes in
// tests; merger must share the same consistency handle.
func New(log hclog.Logger, consistency contracts.Consistency, push contracts.Push, scheduler contracts.HealthScheduler, merger *merge.Merger) *Registry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{
		log:         log,
		Consistency: consistency,
		Push:        push,
		Scheduler:   scheduler,
		Merger:      merger,
		table:       make(map[string]map[string]*naming.Service),
		Metrics:     metrics.NewRegistry(),
	}
}

// GetService returns the Service for (ns, name), or nil if absent.
func (r *Registry) GetService(ns, name string) *naming.Service {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	inner, ok := r.table[ns]
	if !ok {
		return nil
	}
	return inner[name]
}

// ContainsService reports whether (ns, name) exists.
func (r *Registry) ContainsService(ns, name string) bool {
	return r.GetService(ns, name) != nil
}

// GetAllServiceNames returns every service name registered under ns.
func (r *Registry) GetAllServiceNames(ns string) []string {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	inner, ok := r.table[ns]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(inner))
	for name := range inner {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetAllNamespaces returns every namespaceID that has a sub-map, including
// namespaces whose services have all been removed.
func (r *Registry) GetAllNamespaces() []string {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	out := make([]string, 0, len(r.table))
	for ns := range r.table {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// PutServiceAndInit stores service under (NamespaceID, Name), creating the
// namespace sub-map under putGuard if necessary (double-checked,
// race-free per spec.md §5), then calls service.Init and registers the
// service itself as Consistency's listener for both of its instance-list
// keys (spec.md §4.1: "register the service as listener ... via
// Consistency.listen"). Idempotent: re-invocation overwrites.
func (r *Registry) PutServiceAndInit(ctx context.Context, svc *naming.Service) {
	r.ensureNamespace(svc.NamespaceID)

	r.tableMu.Lock()
	r.table[svc.NamespaceID][svc.Name] = svc
	r.tableMu.Unlock()

	svc.Init(r.log, r.Scheduler, r.Push)

	if r.Consistency != nil {
		ephKey := naming.InstanceListKey(svc.NamespaceID, svc.Name, true)
		perKey := naming.InstanceListKey(svc.NamespaceID, svc.Name, false)
		_ = r.Consistency.Listen(ephKey, svc)
		_ = r.Consistency.Listen(perKey, svc)
	}
}

func (r *Registry) ensureNamespace(ns string) {
	r.tableMu.RLock()
	_, ok := r.table[ns]
	r.tableMu.RUnlock()
	if ok {
		return
	}

	r.putGuard.Lock()
	defer r.putGuard.Unlock()
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if _, ok := r.table[ns]; !ok {
		r.table[ns] = make(map[string]*naming.Service)
	}
}

// RemoveService deletes (ns, name) from the table. Callers (ChangeListener
// on OnDelete, EmptyReaper indirectly through Consistency.Remove) are
// responsible for having already torn down the Service itself.
func (r *Registry) RemoveService(ns, name string) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if inner, ok := r.table[ns]; ok {
		delete(inner, name)
	}
}

// CreateEmptyServiceIfAbsent constructs and stores the service if it
// doesn't already exist (spec.md §4.1). For persistent services it also
// Consistency.Put's the meta key so peers observe creation, and, if
// MetaListener is set, registers it against that meta key so later
// peer-originated updates/deletes are delivered (spec.md §4.4).
func (r *Registry) CreateEmptyServiceIfAbsent(ctx context.Context, ns, name string, ephemeral bool, initialCluster string) (*naming.Service, error) {
	if existing := r.GetService(ns, name); existing != nil {
		return existing, nil
	}
	if !validServiceName(name) {
		return nil, naming.ErrInvalidArgument
	}

	svc := naming.NewService(ns, name)
	if initialCluster != "" {
		svc.GetOrCreateCluster(initialCluster)
	}
	svc.LastModifiedMillis = naming.NowMillis()
	svc.RecalculateChecksum()

	r.PutServiceAndInit(ctx, svc)

	if !ephemeral && r.Consistency != nil {
		metaKey := naming.ServiceMetaKey(ns, name)
		if err := r.Consistency.Put(ctx, metaKey, svc); err != nil {
			return nil, naming.ErrConsistencyFailure
		}
		if r.MetaListener != nil {
			_ = r.Consistency.Listen(metaKey, r.MetaListener)
		}
	}
	r.Metrics.IncServiceCreated()
	return svc, nil
}

// RegisterInstance ensures the service exists, then adds inst.
func (r *Registry) RegisterInstance(ctx context.Context, ns, name string, inst *instance.Instance) error {
	svc, err := r.CreateEmptyServiceIfAbsent(ctx, ns, name, inst.Ephemeral, inst.ClusterName)
	if err != nil {
		return err
	}
	return r.AddInstance(ctx, svc, inst.Ephemeral, inst)
}

// DeregisterInstance requires the service to exist; removing an already
// absent instance is a no-op write, not an error (spec.md §9 open
// question, preserved deliberately: it keeps the downstream
// lastModifiedMillis fresh for peers).
func (r *Registry) DeregisterInstance(ctx context.Context, ns, name string, ephemeral bool, inst *instance.Instance) error {
	svc := r.GetService(ns, name)
	if svc == nil {
		return naming.ErrNotFound
	}
	return r.RemoveInstance(ctx, svc, ephemeral, inst)
}

// UpdateInstance requires the service to exist and re-adds inst (the
// merge's identity-by-ipAddr replaces any existing entry in place).
func (r *Registry) UpdateInstance(ctx context.Context, ns, name string, inst *instance.Instance) error {
	svc := r.GetService(ns, name)
	if svc == nil {
		return naming.ErrNotFound
	}
	return r.AddInstance(ctx, svc, inst.Ephemeral, inst)
}

// AddInstance merges insts into svc's plane and writes the resulting list
// through Consistency.Put (spec.md §4.1: the write, not in-place
// mutation, drives the rest of the system).
func (r *Registry) AddInstance(ctx context.Context, svc *naming.Service, ephemeral bool, insts ...*instance.Instance) error {
	return r.writeMerged(ctx, svc, merge.Add, ephemeral, insts)
}

// RemoveInstance merges a removal of insts into svc's plane.
func (r *Registry) RemoveInstance(ctx context.Context, svc *naming.Service, ephemeral bool, insts ...*instance.Instance) error {
	return r.writeMerged(ctx, svc, merge.Remove, ephemeral, insts)
}

func (r *Registry) writeMerged(ctx context.Context, svc *naming.Service, action merge.Action, ephemeral bool, insts []*instance.Instance) error {
	svc.WriteMu.Lock()
	defer svc.WriteMu.Unlock()

	merged, err := r.Merger.Merge(ctx, svc, action, ephemeral, insts)
	if err != nil {
		return err
	}

	key := naming.InstanceListKey(svc.NamespaceID, svc.Name, ephemeral)
	if r.Consistency == nil {
		return nil
	}
	if err := r.Consistency.Put(ctx, key, merged); err != nil {
		return naming.ErrConsistencyFailure
	}
	if action == merge.Add {
		r.Metrics.IncRegister()
	} else {
		r.Metrics.IncDeregister()
	}
	return nil
}

// SearchServices returns every service name under ns whose full name
// matches pattern as a full-match regex (spec.md §9 open question: Java's
// .matches() semantics, reproduced here by anchoring the pattern).
func (r *Registry) SearchServices(ns, pattern string) ([]string, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, naming.ErrInvalidArgument
	}
	var out []string
	for _, name := range r.GetAllServiceNames(ns) {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// PageParams controls GetPagedService.
type PageParams struct {
	StartPage         int
	PageSize          int
	Param             string // expands to *p1*[sep]*p2* per spec.md §4.1
	ContainedInstance string
	HasIPCount        bool
	BexprFilter       string // supplemental metadata filter (SPEC_FULL.md §D.1)
}

const infoSep = "@@"

// PagedResult is the paging response.
type PagedResult struct {
	Services []*naming.Service
	Total    int
}

// GetPagedService is an offset-based page over the current namespace
// snapshot (spec.md §4.1, §8 S6).
func (r *Registry) GetPagedService(ns string, p PageParams) (PagedResult, error) {
	r.tableMu.RLock()
	inner := r.table[ns]
	all := make([]*naming.Service, 0, len(inner))
	for _, svc := range inner {
		all = append(all, svc)
	}
	r.tableMu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	pattern := expandParam(p.Param)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PagedResult{}, naming.ErrInvalidArgument
	}

	var eval *bexpr.Evaluator
	if p.BexprFilter != "" {
		eval, err = bexpr.CreateEvaluator(p.BexprFilter)
		if err != nil {
			return PagedResult{}, naming.ErrInvalidArgument
		}
	}

	var filtered []*naming.Service
	for _, svc := range all {
		if !re.MatchString(svc.Name) {
			continue
		}
		if p.ContainedInstance != "" && !containsInstance(svc, p.ContainedInstance) {
			continue
		}
		if p.HasIPCount && len(svc.AllIPs()) == 0 {
			continue
		}
		if eval != nil {
			ok, err := eval.Evaluate(metadataSelectable{svc.Metadata})
			if err != nil || !ok {
				continue
			}
		}
		filtered = append(filtered, svc)
	}

	total := len(filtered)
	start := p.StartPage * p.PageSize
	if start >= total {
		return PagedResult{Services: nil, Total: total}, nil
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return PagedResult{Services: filtered[start:end], Total: total}, nil
}

// metadataSelectable adapts a metadata map to go-bexpr's field selector
// protocol via struct tags on a thin wrapper type.
type metadataSelectable struct {
	Metadata map[string]string `bexpr:"metadata"`
}

// expandParam turns a possibly-partial "p1@@p2" param into the
// "*p1*@@*p2*" glob-style regex spec.md §4.1 describes, defaulting
// omitted parts to "*".
func expandParam(param string) string {
	if param == "" {
		return ".*"
	}
	parts := strings.SplitN(param, infoSep, 2)
	p1 := parts[0]
	p2 := "*"
	if len(parts) == 2 {
		p2 = parts[1]
	}
	if p1 == "" {
		p1 = "*"
	}
	if p2 == "" {
		p2 = "*"
	}
	return globToRegex("*" + p1 + "*" + infoSep + "*" + p2 + "*")
}

func globToRegex(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// containsInstance filters by ip:port if containedInstance contains ":",
// otherwise by ip substring, per spec.md §4.1.
func containsInstance(svc *naming.Service, containedInstance string) bool {
	for _, inst := range svc.AllIPs() {
		if strings.Contains(containedInstance, ":") {
			if inst.IPAddr() == containedInstance {
				return true
			}
		} else if strings.Contains(inst.IP, containedInstance) {
			return true
		}
	}
	return false
}

func validServiceName(name string) bool {
	re := regexp.MustCompile(`^[0-9a-zA-Z@.:_-]+(::[0-9a-zA-Z@.:_-]+)?$`)
	return re.MatchString(name)
}
