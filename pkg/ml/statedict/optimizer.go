// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/gomlx/statedict/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// initOptimState allocates the state of opt, if not yet allocated, by taking one step with zero gradients.
//
// The parameters must not have gradients. Notice the step may still change the parameters, e.g. with weight decay.
func initOptimState(opt optimizers.Interface) error {
	if opt.Initialized() {
		return nil
	}
	for groupIdx, group := range opt.ParamGroups() {
		for paramIdx, p := range group.Params {
			if p.Grad != nil {
				return errors.Wrapf(ErrPrecondition, "the optimizer state is not initialized and parameter #%d of group #%d "+
					"has a gradient: the state can only be initialized (with a step on zero gradients) if there are no gradients",
					paramIdx, groupIdx)
			}
			if p.RequiresGrad {
				p.Grad = module.ZerosLike(p.Value)
			}
		}
	}
	if err := opt.Step(); err != nil {
		return errors.WithMessage(err, "initializing optimizer state")
	}
	opt.ZeroGrad(true)
	return nil
}

// extractOptimState returns the merged state of the optimizers, keyed by canonical FQNs.
func extractOptimState(root *module.Node, optims []optimizers.Interface, policy *Policy, index *fqn.Index) (*optimizers.StateDict, error) {
	merged := optimizers.NewStateDict()
	claimed := sets.Make[string]()
	for optIdx, opt := range optims {
		if err := initOptimState(opt); err != nil {
			return nil, errors.WithMessagef(err, "optimizer #%d", optIdx)
		}
		osd, err := opt.StateDict()
		if err != nil {
			return nil, errors.WithMessagef(err, "optimizer #%d", optIdx)
		}
		if len(policy.ShardModules) > 0 {
			err = policy.withContext(root, func() (err error) {
				osd, err = shard.OptimStateDict(root, opt, osd, index)
				return
			})
		} else {
			osd, err = rekeyOptimState(opt, osd, index)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "optimizer #%d", optIdx)
		}

		optClaimed := sets.Make[string]()
		for _, group := range osd.ParamGroups {
			for _, key := range group.Params {
				if claimed.Has(key.FQN()) {
					return nil, errors.Wrapf(ErrCollision, "parameter %q is handled by optimizer #%d and by a previous optimizer",
						key.FQN(), optIdx)
				}
				optClaimed.Insert(key.FQN())
			}
		}
		for key := range osd.State {
			if claimed.Has(key.FQN()) {
				return nil, errors.Wrapf(ErrCollision, "optimizer #%d has state for %q, already saved from a previous optimizer",
					optIdx, key.FQN())
			}
		}
		names := sets.Sorted(optClaimed)
		klog.V(2).Infof("statedict: optimizer #%d handles %q", optIdx, names)
		claimed.Insert(names...)
		for key, state := range osd.State {
			merged.State[key] = state
		}
		merged.ParamGroups = append(merged.ParamGroups, osd.ParamGroups...)
	}
	klog.V(1).Infof("statedict: optimizer state with %d entries and %d groups, merged from %d optimizers",
		len(merged.State), len(merged.ParamGroups), len(optims))
	return merged, nil
}

// rekeyOptimState converts osd, keyed by positional ids, to canonical FQN keys, for models without shard wrappers.
func rekeyOptimState(opt optimizers.Interface, osd *optimizers.StateDict, index *fqn.Index) (*optimizers.StateDict, error) {
	idToFQN := make(map[optimizers.ParamKey]optimizers.ParamKey)
	id := 0
	for _, group := range opt.ParamGroups() {
		for _, p := range group.Params {
			key := optimizers.IDKey(id)
			id++
			fqns := index.FQNs(p)
			switch {
			case fqns == nil:
				return nil, errors.Wrapf(ErrLookup, "optimizer parameter %s is not part of the model", key)
			case len(fqns) != 1:
				return nil, errors.Wrapf(ErrLookup, "optimizer parameter %s (%q) has names %q, but the model has no shard wrappers",
					key, index.NativeName(p), fqns)
			}
			idToFQN[key] = optimizers.FQNKey(fqns[0])
		}
	}

	rekey := func(key optimizers.ParamKey) (optimizers.ParamKey, error) {
		if key.IsFQN() {
			return key, nil
		}
		name, found := idToFQN[key]
		if !found {
			return key, errors.Wrapf(ErrLookup, "optimizer state key %s is not one of its parameters", key)
		}
		return name, nil
	}
	result := optimizers.NewStateDict()
	for key, state := range osd.State {
		name, err := rekey(key)
		if err != nil {
			return nil, err
		}
		result.State[name] = state
	}
	for _, group := range osd.ParamGroups {
		rekeyed := &optimizers.GroupState{Options: group.Options, Params: make([]optimizers.ParamKey, len(group.Params))}
		for i, key := range group.Params {
			name, err := rekey(key)
			if err != nil {
				return nil, err
			}
			rekeyed.Params[i] = name
		}
		result.ParamGroups = append(result.ParamGroups, rekeyed)
	}
	return result, nil
}

// splitOptimState returns the subset of merged that belongs to opt: the states of its trainable parameters,
// and the groups that mention them, in merged order.
func splitOptimState(opt optimizers.Interface, merged *optimizers.StateDict, index *fqn.Index) (*optimizers.StateDict, error) {
	subset := optimizers.NewStateDict()
	selected := sets.Make[*optimizers.GroupState]()
	for _, group := range opt.ParamGroups() {
		for _, p := range group.Params {
			if !p.RequiresGrad {
				continue
			}
			fqns := index.FQNs(p)
			if fqns == nil {
				return nil, errors.Wrap(ErrLookup, "optimizer parameter is not part of the model")
			}
			for _, name := range fqns {
				key := optimizers.FQNKey(name)
				if state, found := merged.State[key]; found {
					subset.State[key] = state
				} else {
					klog.Warningf("statedict: no optimizer state for %q", name)
				}
				inGroup := false
				for _, mergedGroup := range merged.ParamGroups {
					for _, groupKey := range mergedGroup.Params {
						if groupKey == key {
							selected.Insert(mergedGroup)
							inGroup = true
							break
						}
					}
				}
				if !inGroup {
					return nil, errors.Wrapf(ErrStateShape, "parameter %q is not listed in any parameter group of the optimizer state", name)
				}
			}
		}
	}
	for _, group := range merged.ParamGroups {
		if selected.Has(group) {
			subset.ParamGroups = append(subset.ParamGroups, group)
		}
	}
	return subset, nil
}

// loadOptimState loads merged, keyed by canonical FQNs, into the optimizers.
func loadOptimState(root *module.Node, optims []optimizers.Interface, merged *optimizers.StateDict, policy *Policy, index *fqn.Index) error {
	for optIdx, opt := range optims {
		osd, err := splitOptimState(opt, merged, index)
		if err != nil {
			return errors.WithMessagef(err, "optimizer #%d", optIdx)
		}
		if len(policy.ShardModules) > 0 {
			err = policy.withContext(root, func() (err error) {
				osd, err = shard.OptimStateDictToLoad(root, opt, osd, index)
				return
			})
			if err != nil {
				return errors.WithMessagef(err, "optimizer #%d", optIdx)
			}
		}
		if err = initOptimState(opt); err != nil {
			return errors.WithMessagef(err, "optimizer #%d", optIdx)
		}
		if err = opt.LoadStateDict(osd); err != nil {
			return errors.WithMessagef(err, "optimizer #%d", optIdx)
		}
		klog.V(1).Infof("statedict: loaded state of %d parameters into optimizer #%d", len(osd.State), optIdx)
	}
	return nil
}
