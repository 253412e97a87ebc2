// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package logging constructs the hclog.Logger used across this module,
// grounded on the teacher's subcommand/common.Logger helper.
package logging

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns an hclog.Logger at level, JSON-formatted when json is true,
// or an error if level doesn't parse.
func New(name, level string, json bool) (hclog.Logger, error) {
	parsed := hclog.LevelFromString(level)
	if parsed == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      parsed,
		JSONFormat: json,
		Output:     os.Stderr,
	}), nil
}
