// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config holds the recognized runtime options (spec.md §6),
// decoded via mapstructure the way the teacher decodes its CNI config
// (control-plane/cni/config/config.go, subcommand/install-cni/cniconfig.go).
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Instance id assignment modes (spec.md §3, §6).
const (
	InstanceIDModeComposite = "composite"
	InstanceIDModeSnowflake = "snowflake"
	defaultInstanceIDMode   = InstanceIDModeComposite
)

// Defaults mirror spec.md §4.6/§4.7/§6.
const (
	DefaultEmptyServiceAutoClean           = false
	DefaultEmptyServiceCleanInitialDelayMS = 60000
	DefaultEmptyServiceCleanPeriodMS       = 20000
	DefaultServiceStatusSyncPeriodMS       = 60000
)

// Config is this module's option surface. Field names are this module's
// own, not the upstream system's: the semantics are spec.md §6's, the
// vocabulary is not.
type Config struct {
	// EmptyServiceAutoClean gates EmptyReaper entirely.
	EmptyServiceAutoClean bool `mapstructure:"empty_service_auto_clean"`
	// EmptyServiceCleanInitialDelayMS is EmptyReaper's initial delay.
	EmptyServiceCleanInitialDelayMS int `mapstructure:"empty_service_clean_initial_delay_ms"`
	// EmptyServiceCleanPeriodMS is EmptyReaper's sweep period.
	EmptyServiceCleanPeriodMS int `mapstructure:"empty_service_clean_period_ms"`
	// ServiceStatusSyncPeriodMS is AntiEntropy's reporter period.
	ServiceStatusSyncPeriodMS int `mapstructure:"service_status_sync_period_ms"`
	// InstanceIDMode selects "composite" (default) or "snowflake" instance
	// id assignment.
	InstanceIDMode string `mapstructure:"instance_id_mode"`
}

// Default returns the option set with every documented default applied.
func Default() Config {
	return Config{
		EmptyServiceAutoClean:           DefaultEmptyServiceAutoClean,
		EmptyServiceCleanInitialDelayMS: DefaultEmptyServiceCleanInitialDelayMS,
		EmptyServiceCleanPeriodMS:       DefaultEmptyServiceCleanPeriodMS,
		ServiceStatusSyncPeriodMS:       DefaultServiceStatusSyncPeriodMS,
		InstanceIDMode:                  defaultInstanceIDMode,
	}
}

// Decode overlays raw (typically parsed from JSON/YAML/flags into a
// map[string]interface{}) onto the documented defaults.
func Decode(raw map[string]interface{}) (Config, error) {
	cfg := Default()
	if raw == nil {
		return cfg, nil
	}
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
