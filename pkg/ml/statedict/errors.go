// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/pkg/errors"
)

// Kinds of errors returned by this package. Errors wrap one of them, test with errors.Is.
var (
	// ErrConfiguration is returned for invalid combinations of arguments and options.
	ErrConfiguration = errors.New("invalid state dict configuration")

	// ErrLookup is returned when a name can't be resolved in the model, or resolves ambiguously.
	ErrLookup = fqn.ErrLookup

	// ErrStateShape is returned when a state dict (produced or given) doesn't have the expected contents.
	ErrStateShape = errors.New("invalid state dict contents")

	// ErrPrecondition is returned when the optimizer state can't be initialized because the parameters
	// already have gradients.
	ErrPrecondition = errors.New("precondition failed")

	// ErrCollision is returned when two optimizers claim the same canonical name.
	ErrCollision = errors.New("canonical name collision")
)
