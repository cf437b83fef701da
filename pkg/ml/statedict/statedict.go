// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statedict produces and loads the state of a model and its optimizers keyed by canonical
// fully-qualified names (FQNs): the names parameters would have if the model had no parallelism wrappers.
//
// Models can combine replica wrappers, shard wrappers (see package shard) and tensor-parallel modules.
// The state produced by ProduceState can be loaded by LoadState into the same model wrapped in a
// different way, or without any wrappers. Optimizer states are keyed by FQNs instead of positional ids,
// so the states of several optimizers can be merged into one.
//
// Example:
//
//	msd, osd, err := statedict.Build(model).Optimizers(opt).Produce()
//	...
//	err = statedict.Build(otherModel).Optimizers(otherOpt).Load(msd, osd)
//
// ProduceState and LoadState are not safe for concurrent use with the same model or optimizers: they
// may change the configuration of the shard wrappers, and initialize the optimizers state.
package statedict

import (
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
)

// ProduceState returns the model and optimizers state, keyed by canonical FQNs.
//
// If modelOnly is set, optims must be empty and only the model state is returned. If optimOnly is set,
// only the optimizers state is returned. The state not handled is returned empty (not nil).
// If options is nil, DefaultOptions is used.
//
// The optimizers state is initialized, with a step over zero gradients, if needed.
func ProduceState(model *module.Node, optims []optimizers.Interface, modelOnly, optimOnly bool, options *Options) (
	module.StateDict, *optimizers.StateDict, error) {
	policy, err := resolvePolicy(model, optims, modelOnly, optimOnly, options)
	if err != nil {
		return nil, nil, err
	}
	index, err := fqn.BuildIndex(model)
	if err != nil {
		return nil, nil, err
	}

	msd := make(module.StateDict)
	if policy.HandleModel {
		msd, err = extractModelState(model, policy, index)
		if err != nil {
			return nil, nil, err
		}
	}
	osd := optimizers.NewStateDict()
	if policy.HandleOptim {
		osd, err = extractOptimState(model, optims, policy, index)
		if err != nil {
			return nil, nil, err
		}
	}
	if err = verify(msd, osd, policy); err != nil {
		return nil, nil, err
	}
	return msd, osd, nil
}

// LoadState loads the model and optimizers state, keyed by canonical FQNs, as returned by ProduceState.
//
// modelOnly, optimOnly and options are interpreted as in ProduceState. msd (osd) is ignored if
// the model (optimizers) state is not handled. The given state dicts are not modified.
//
// The state dicts are verified before anything is changed, but a failure while loading may leave
// the model or the optimizers partially loaded.
func LoadState(model *module.Node, optims []optimizers.Interface, msd module.StateDict, osd *optimizers.StateDict,
	modelOnly, optimOnly bool, options *Options) error {
	policy, err := resolvePolicy(model, optims, modelOnly, optimOnly, options)
	if err != nil {
		return err
	}
	index, err := fqn.BuildIndex(model)
	if err != nil {
		return err
	}
	if !policy.HandleModel {
		msd = nil
	}
	if !policy.HandleOptim {
		osd = nil
	}
	if err = verify(msd, osd, policy); err != nil {
		return err
	}
	if policy.HandleModel {
		if err = loadModelState(model, msd, policy, index); err != nil {
			return err
		}
	}
	if policy.HandleOptim {
		if err = loadOptimState(model, optims, osd, policy, index); err != nil {
			return err
		}
	}
	return nil
}
