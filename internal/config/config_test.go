// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.EmptyServiceAutoClean)
	require.Equal(t, 60000, cfg.EmptyServiceCleanInitialDelayMS)
	require.Equal(t, 20000, cfg.EmptyServiceCleanPeriodMS)
	require.Equal(t, InstanceIDModeComposite, cfg.InstanceIDMode)
}

func TestDecodeOverlaysOntoDefaults(t *testing.T) {
	cfg, err := Decode(map[string]interface{}{
		"empty_service_auto_clean": true,
		"instance_id_mode":         "snowflake",
	})
	require.NoError(t, err)
	require.True(t, cfg.EmptyServiceAutoClean)
	require.Equal(t, "snowflake", cfg.InstanceIDMode)
	require.Equal(t, 20000, cfg.EmptyServiceCleanPeriodMS)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	_, err := Decode(map[string]interface{}{
		"empty_service_auto_clean": "not-a-bool",
	})
	require.Error(t, err)
}
