// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package naming

import "errors"

// Error kinds from spec.md §7. Background workers never surface these;
// only client-facing Registry operations do.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConsistencyFailure = errors.New("consistency failure")
	ErrFatal              = errors.New("fatal registry invariant violation")
)
