// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"maps"
	"slices"

	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// flatOwners maps each flat parameter in the tree to the shard wrapper that owns it.
func flatOwners(root *module.Node) map[*module.Parameter]*module.Node {
	owners := make(map[*module.Parameter]*module.Node)
	for _, n := range Modules(root) {
		if flat, found := n.Wrapped().Param(module.FlatParamName); found {
			owners[flat] = n
		}
	}
	return owners
}

// OptimStateDict converts the native state dict osd of opt, keyed by positional ids, to one keyed by
// canonical FQNs, as given by index.
//
// The state of each flat parameter is split into the states of the original parameters, and formatted
// according to the optimizer state dict configuration of its shard wrapper (see WithStateDictType).
// Scalar states (e.g.: the step count) are copied to each original parameter.
func OptimStateDict(root *module.Node, opt optimizers.Interface, osd *optimizers.StateDict, index *fqn.Index) (*optimizers.StateDict, error) {
	groups := opt.ParamGroups()
	if len(osd.ParamGroups) != len(groups) {
		return nil, errors.Errorf("optimizer state dict has %d parameter groups, the optimizer has %d",
			len(osd.ParamGroups), len(groups))
	}
	owners := flatOwners(root)
	result := optimizers.NewStateDict()
	id := 0
	for groupIdx, group := range groups {
		groupState := &optimizers.GroupState{Options: maps.Clone(osd.ParamGroups[groupIdx].Options)}
		for _, p := range group.Params {
			key := optimizers.IDKey(id)
			id++
			fqns := index.FQNs(p)
			if fqns == nil {
				return nil, errors.Wrapf(fqn.ErrLookup, "optimizer parameter %s is not part of the model", key)
			}
			groupState.Params = append(groupState.Params, optimizers.FQNKeys(fqns...)...)
			state, found := osd.State[key]
			if !found {
				continue
			}
			owner := owners[p]
			if owner == nil {
				if len(fqns) != 1 {
					return nil, errors.Wrapf(fqn.ErrLookup, "parameter %q has names %q, but it is not a flat parameter",
						index.NativeName(p), fqns)
				}
				result.State[optimizers.FQNKey(fqns[0])] = state
				continue
			}
			shardState := owner.ShardState()
			cfg := shardState.OptimConfig
			switch {
			case cfg.Type == module.LocalStateDict:
				return nil, errors.Errorf("optimizer state of flat parameter %q requires a %s or %s state dict type, got %s",
					index.NativeName(p), module.FullStateDict, module.ShardedStateDict, cfg.Type)
			case cfg.Type == module.FullStateDict && cfg.CoordinatorOnly && shardState.Rank != 0:
				continue
			}
			parts, err := splitState(p.Flat(), state, cfg, shardState)
			if err != nil {
				return nil, errors.WithMessagef(err, "optimizer state of flat parameter %q", index.NativeName(p))
			}
			for i, name := range fqns {
				result.State[optimizers.FQNKey(name)] = parts[i]
			}
			klog.V(2).Infof("shard: split optimizer state of %q into %d parameters", index.NativeName(p), len(fqns))
		}
		result.ParamGroups = append(result.ParamGroups, groupState)
	}
	return result, nil
}

// splitState splits the state of a flat parameter into the states of the original parameters.
func splitState(info *module.FlatInfo, state optimizers.ParamState, cfg module.StateDictConfig,
	shardState *module.ShardState) ([]optimizers.ParamState, error) {
	parts := make([]optimizers.ParamState, len(info.FQNs))
	for i := range parts {
		parts[i] = make(optimizers.ParamState, len(state))
	}
	for name, value := range state {
		if module.ValueSize(value) == 0 {
			for i := range parts {
				parts[i][name] = module.CloneValue(value)
			}
			continue
		}
		flat, err := module.Materialize(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "state %q", name)
		}
		values, err := info.Split(flat)
		if err != nil {
			return nil, errors.WithMessagef(err, "state %q", name)
		}
		for i, v := range values {
			parts[i][name], err = module.ExportShardedValue(v, cfg, shardState.Mesh)
			if err != nil {
				return nil, errors.WithMessagef(err, "state %q of %q", name, info.FQNs[i])
			}
		}
	}
	return parts, nil
}

// OptimStateDictToLoad converts osd, an optimizer state dict keyed by canonical FQNs, to the form opt loads:
// the states of the original parameters of each flat parameter are concatenated back into one state,
// and each parameter is keyed by its name in the tree.
//
// osd.ParamGroups must correspond, in order, to the parameter groups of opt.
func OptimStateDictToLoad(root *module.Node, opt optimizers.Interface, osd *optimizers.StateDict, index *fqn.Index) (*optimizers.StateDict, error) {
	groups := opt.ParamGroups()
	if len(osd.ParamGroups) != len(groups) {
		return nil, errors.Errorf("optimizer state dict to load has %d parameter groups, the optimizer has %d",
			len(osd.ParamGroups), len(groups))
	}
	result := optimizers.NewStateDict()
	for groupIdx, group := range groups {
		groupState := &optimizers.GroupState{Options: maps.Clone(osd.ParamGroups[groupIdx].Options)}
		for _, p := range group.Params {
			fqns := index.FQNs(p)
			if fqns == nil {
				return nil, errors.Wrapf(fqn.ErrLookup, "optimizer parameter #%d of group #%d is not part of the model",
					len(groupState.Params), groupIdx)
			}
			key := optimizers.FQNKey(index.NativeName(p))
			groupState.Params = append(groupState.Params, key)
			state, err := mergeState(p, fqns, osd.State)
			if err != nil {
				return nil, errors.WithMessagef(err, "optimizer state of %q", key)
			}
			if state != nil {
				result.State[key] = state
			}
		}
		result.ParamGroups = append(result.ParamGroups, groupState)
	}
	return result, nil
}

// mergeState returns the state of p, merged from the states of its canonical names. It returns nil if
// none of its names has a state.
func mergeState(p *module.Parameter, fqns []string, states map[optimizers.ParamKey]optimizers.ParamState) (optimizers.ParamState, error) {
	if !p.IsFlat() {
		if state, found := states[optimizers.FQNKey(fqns[0])]; found {
			return state.Clone(), nil
		}
		return nil, nil
	}
	parts := make([]optimizers.ParamState, len(fqns))
	numFound := 0
	for i, name := range fqns {
		if state, found := states[optimizers.FQNKey(name)]; found {
			parts[i] = state
			numFound++
		}
	}
	if numFound == 0 {
		return nil, nil
	}
	if numFound != len(fqns) {
		missing := slices.DeleteFunc(slices.Clone(fqns), func(name string) bool {
			_, found := states[optimizers.FQNKey(name)]
			return found
		})
		return nil, errors.Errorf("missing state for %q, flattened together with parameters that have state", missing)
	}
	merged := make(optimizers.ParamState, len(parts[0]))
	for name, value := range parts[0] {
		if module.ValueSize(value) == 0 {
			merged[name] = module.CloneValue(value)
			continue
		}
		values := make([][]float64, len(parts))
		for i, part := range parts {
			v, found := part[name]
			if !found {
				return nil, errors.Errorf("state %q missing for %q", name, fqns[i])
			}
			var err error
			values[i], err = module.Materialize(v)
			if err != nil {
				return nil, errors.WithMessagef(err, "state %q of %q", name, fqns[i])
			}
		}
		flat, err := p.Flat().Concat(values)
		if err != nil {
			return nil, errors.WithMessagef(err, "state %q", name)
		}
		merged[name] = flat
	}
	return merged, nil
}
