// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"
)

func TestHelpListsEveryFlag(t *testing.T) {
	var out bytes.Buffer
	c := &Command{UI: &cli.BasicUi{Writer: &out, ErrorWriter: &out}}

	help := c.Help()
	require.Contains(t, help, "-log-level")
	require.Contains(t, help, "-log-json")
	require.Contains(t, help, "-peer")
	require.Contains(t, help, "-local-addr")
	require.Contains(t, help, "-instance-id-mode")
	require.Contains(t, help, "-empty-service-auto-clean")
	require.Contains(t, help, "-enable-metrics")
}

func TestSynopsisIsNonEmpty(t *testing.T) {
	c := &Command{}
	require.NotEmpty(t, c.Synopsis())
}

func TestRunRejectsInvalidInstanceIDMode(t *testing.T) {
	var out bytes.Buffer
	c := &Command{UI: &cli.BasicUi{Writer: &out, ErrorWriter: &out}}

	code := c.Run([]string{"-instance-id-mode=bogus"})
	require.Equal(t, 1, code)
}

func TestRunRejectsUnparsableFlags(t *testing.T) {
	var out bytes.Buffer
	c := &Command{UI: &cli.BasicUi{Writer: &out, ErrorWriter: &out}}

	code := c.Run([]string{"-not-a-real-flag"})
	require.Equal(t, 1, code)
}

func TestPeersOfPrependsLocal(t *testing.T) {
	members := peersOf([]string{"peer1:8500", "peer2:8500"}, "self:8500")
	require.Len(t, members, 3)
	require.Equal(t, "self:8500", members[0].Address)
}
