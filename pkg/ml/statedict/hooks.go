// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
)

// ModelStateHandler saves and loads the state of a model.
//
// Training code that checkpoints through a ModelStateHandler can switch between the native and
// the canonical formats without other changes.
type ModelStateHandler interface {
	StateDict() (module.StateDict, error)
	LoadStateDict(sd module.StateDict) error

	// Canonical returns whether the state dicts are keyed by canonical FQNs.
	Canonical() bool
}

// OptimizerStateHandler saves and loads the state of optimizers.
type OptimizerStateHandler interface {
	StateDict() (*optimizers.StateDict, error)
	LoadStateDict(sd *optimizers.StateDict) error

	// Canonical returns whether the state dicts are keyed by canonical FQNs.
	Canonical() bool
}

type nativeModel struct {
	root *module.Node
}

// NativeModel returns a handler using the native state dict of the model tree.
func NativeModel(root *module.Node) ModelStateHandler {
	return nativeModel{root}
}

func (h nativeModel) StateDict() (module.StateDict, error) {
	return h.root.StateDict()
}

func (h nativeModel) LoadStateDict(sd module.StateDict) error {
	return h.root.LoadStateDict(sd)
}

func (h nativeModel) Canonical() bool {
	return false
}

type nativeOptimizer struct {
	opt optimizers.Interface
}

// NativeOptimizer returns a handler using the native state dict of the optimizer, keyed by positional ids.
func NativeOptimizer(opt optimizers.Interface) OptimizerStateHandler {
	return nativeOptimizer{opt}
}

func (h nativeOptimizer) StateDict() (*optimizers.StateDict, error) {
	return h.opt.StateDict()
}

func (h nativeOptimizer) LoadStateDict(sd *optimizers.StateDict) error {
	return h.opt.LoadStateDict(sd)
}

func (h nativeOptimizer) Canonical() bool {
	return false
}

// CanonicalModel is a ModelStateHandler producing and loading the model state keyed by canonical FQNs.
type CanonicalModel struct {
	root    *module.Node
	options *Options
}

var _ ModelStateHandler = (*CanonicalModel)(nil)

// InstallModelHooks returns a handler of the model state in the canonical format, using the given options
// (nil for DefaultOptions).
func InstallModelHooks(root *module.Node, options *Options) *CanonicalModel {
	return &CanonicalModel{root: root, options: options}
}

// StateDict implements ModelStateHandler, calling ProduceState for the model only.
func (h *CanonicalModel) StateDict() (module.StateDict, error) {
	msd, _, err := ProduceState(h.root, nil, true, false, h.options)
	return msd, err
}

// LoadStateDict implements ModelStateHandler, calling LoadState for the model only.
func (h *CanonicalModel) LoadStateDict(sd module.StateDict) error {
	return LoadState(h.root, nil, sd, nil, true, false, h.options)
}

// Canonical implements ModelStateHandler.
func (h *CanonicalModel) Canonical() bool {
	return true
}

// CanonicalOptimizers is an OptimizerStateHandler producing and loading the merged state of all the
// optimizers of a model, keyed by canonical FQNs.
type CanonicalOptimizers struct {
	root    *module.Node
	optims  []optimizers.Interface
	options *Options
}

var _ OptimizerStateHandler = (*CanonicalOptimizers)(nil)

// InstallOptimizerHooks returns one handler for the state of all the optimizers of the model, in the canonical
// format, using the given options (nil for DefaultOptions).
func InstallOptimizerHooks(root *module.Node, optims []optimizers.Interface, options *Options) *CanonicalOptimizers {
	return &CanonicalOptimizers{root: root, optims: optims, options: options}
}

// StateDict implements OptimizerStateHandler, calling ProduceState for the optimizers only.
func (h *CanonicalOptimizers) StateDict() (*optimizers.StateDict, error) {
	_, osd, err := ProduceState(h.root, h.optims, false, true, h.options)
	return osd, err
}

// LoadStateDict implements OptimizerStateHandler, calling LoadState for the optimizers only.
func (h *CanonicalOptimizers) LoadStateDict(sd *optimizers.StateDict) error {
	return LoadState(h.root, h.optims, nil, sd, false, true, h.options)
}

// Canonical implements OptimizerStateHandler.
func (h *CanonicalOptimizers) Canonical() bool {
	return true
}
