// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/mitchellh/cli"

	"github.com/hashicorp/go-svc-registry/internal/antientropy"
	"github.com/hashicorp/go-svc-registry/internal/config"
	"github.com/hashicorp/go-svc-registry/internal/contracts"
	"github.com/hashicorp/go-svc-registry/internal/distro"
	"github.com/hashicorp/go-svc-registry/internal/flagutil"
	"github.com/hashicorp/go-svc-registry/internal/listener"
	"github.com/hashicorp/go-svc-registry/internal/logging"
	"github.com/hashicorp/go-svc-registry/internal/merge"
	"github.com/hashicorp/go-svc-registry/internal/metrics"
	"github.com/hashicorp/go-svc-registry/internal/reaper"
	"github.com/hashicorp/go-svc-registry/internal/registry"
)

// Command runs the registry core's background components (Registry,
// AntiEntropy, EmptyReaper) against the Consistency/Synchronizer/
// Members/Push/HealthScheduler implementations returned by deps, which
// are the in-memory fakes from package contracts.
type Command struct {
	UI cli.Ui

	flags *flag.FlagSet

	flagLogLevel  string
	flagLogJSON   bool
	flagPeers     flagutil.AppendSliceValue
	flagLocalAddr string

	flagInstanceIDMode    string
	flagEmptyServiceClean bool
	flagMetricsEnabled    bool

	once sync.Once
	help string
}

func (c *Command) init() {
	c.flags = flag.NewFlagSet("registry-agent", flag.ContinueOnError)
	c.flags.StringVar(&c.flagLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error.")
	c.flags.BoolVar(&c.flagLogJSON, "log-json", false, "Emit JSON-formatted logs.")
	c.flags.Var(&c.flagPeers, "peer", "Address of a peer agent. May be given multiple times.")
	c.flags.StringVar(&c.flagLocalAddr, "local-addr", "", "This agent's own advertised address.")
	c.flags.StringVar(&c.flagInstanceIDMode, "instance-id-mode", config.InstanceIDModeComposite,
		"Instance id assignment mode: composite or snowflake.")
	c.flags.BoolVar(&c.flagEmptyServiceClean, "empty-service-auto-clean", false,
		"Enable the periodic empty-service reaper.")
	c.flags.BoolVar(&c.flagMetricsEnabled, "enable-metrics", false, "Expose Prometheus metrics.")

	c.help = usage(c.flags)
}

func usage(fs *flag.FlagSet) string {
	var b strings.Builder
	b.WriteString("Usage: registry-agent [options]\n\n")
	fs.VisitAll(func(f *flag.Flag) {
		fmt.Fprintf(&b, "  -%s\n\t%s (default %q)\n", f.Name, f.Usage, f.DefValue)
	})
	return b.String()
}

// Deps are the out-of-scope collaborators this command wires the core
// components to (spec.md §6), as built by Command.deps.
type Deps struct {
	Consistency  contracts.Consistency
	Synchronizer contracts.Synchronizer
	Members      contracts.Members
	Push         contracts.Push
	Scheduler    contracts.HealthScheduler
}

// Run wires and starts Registry, AntiEntropy and EmptyReaper, blocking
// until SIGINT/SIGTERM.
func (c *Command) Run(args []string) int {
	c.once.Do(c.init)
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	log, err := logging.New("registry-agent", c.flagLogLevel, c.flagLogJSON)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	if c.flagInstanceIDMode != config.InstanceIDModeComposite && c.flagInstanceIDMode != config.InstanceIDModeSnowflake {
		c.UI.Error(fmt.Sprintf("invalid -instance-id-mode: %s", c.flagInstanceIDMode))
		return 1
	}

	localID, err := uuid.GenerateUUID()
	if err != nil {
		c.UI.Error(fmt.Sprintf("generating local member id: %s", err))
		return 1
	}
	log.Info("starting registry agent", "local_id", localID, "peers", strings.Join(c.flagPeers, ","))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.NewRegistry()
	if c.flagMetricsEnabled {
		promSink, err := metrics.NewPrometheusSink()
		if err != nil {
			log.Warn("failed to start prometheus sink, continuing without it", "error", err)
		} else {
			m = metrics.NewRegistryWithSink(promSink)
		}
	}

	deps := c.deps()

	idMode := merge.Composite
	if c.flagInstanceIDMode == config.InstanceIDModeSnowflake {
		idMode = merge.Snowflake
	}
	merger := merge.New(deps.Consistency, idMode)
	reg := registry.New(log.Named("registry"), deps.Consistency, deps.Push, deps.Scheduler, merger)
	reg.Metrics = m

	// C7's ChangeListener handles service-meta keys only (new/updated
	// persistent services discovered from peers); each Service self-
	// registers for its own instance-list keys via PutServiceAndInit
	// (spec.md §9 "Listener-as-entity cycle").
	reg.MetaListener = listener.New(log.Named("listener"), reg, deps.Consistency, deps.Scheduler, deps.Push)

	router := distro.New(deps.Members)

	var wg sync.WaitGroup

	ae := antientropy.New(log.Named("anti-entropy"), reg, router, deps.Members, deps.Synchronizer, deps.Push, m, antientropy.DefaultConfig())
	wg.Add(1)
	go func() {
		defer wg.Done()
		ae.Run(ctx)
	}()

	if c.flagEmptyServiceClean {
		r := reaper.New(log.Named("reaper"), reg, router, deps.Consistency, m, reaper.Config{AutoClean: true, InitialDelay: reaper.DefaultInitialDelay, Period: reaper.DefaultPeriod})
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	return 0
}

// deps builds the collaborators Run uses: the in-memory contracts fakes,
// with membership taken from -local-addr and -peer. Run has no other
// source of Consistency/Synchronizer/Members/Push/Scheduler
// implementations (spec.md §6 treats all five as out of scope).
func (c *Command) deps() Deps {
	return Deps{
		Consistency:  contracts.NewFakeConsistency(),
		Synchronizer: contracts.NewFakeSynchronizer(),
		Members:      &contracts.FakeMembers{Local: c.flagLocalAddr, Peers: peersOf(c.flagPeers, c.flagLocalAddr)},
		Push:         &contracts.FakePush{},
		Scheduler:    &contracts.FakeHealthScheduler{},
	}
}

func peersOf(addrs []string, local string) []contracts.Member {
	members := make([]contracts.Member, 0, len(addrs)+1)
	if local != "" {
		members = append(members, contracts.Member{Address: local})
	}
	for _, a := range addrs {
		members = append(members, contracts.Member{Address: a})
	}
	return members
}

func (c *Command) Synopsis() string { return "Run the registry agent's background components" }

func (c *Command) Help() string {
	c.once.Do(c.init)
	return c.help
}
