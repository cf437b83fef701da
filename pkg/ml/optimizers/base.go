// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"maps"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/pkg/errors"
)

// updateFn updates the parameter p given its gradient, its state (already allocated, possibly empty
// on the first step) and the group hyperparameters.
type updateFn func(p *module.Parameter, grad any, state ParamState, options map[string]any) error

// Optimizer implements the bookkeeping common to all optimizers: parameter groups, lazily allocated
// per-parameter state and the native state dict. The update rule is provided by the specific algorithm.
type Optimizer struct {
	name     string
	defaults map[string]any
	groups   []*ParamGroup
	state    map[*module.Parameter]ParamState
	update   updateFn
}

var _ Interface = (*Optimizer)(nil)

func newOptimizer(name string, defaults map[string]any, update updateFn) *Optimizer {
	return &Optimizer{
		name:     name,
		defaults: defaults,
		state:    make(map[*module.Parameter]ParamState),
		update:   update,
	}
}

// Name of the optimizer algorithm.
func (o *Optimizer) Name() string {
	return o.name
}

// AddParamGroup adds a group of parameters. The group hyperparameters are the optimizer defaults,
// overridden by the given options (which can be nil). It returns the optimizer, so calls can be chained.
func (o *Optimizer) AddParamGroup(params []*module.Parameter, options map[string]any) *Optimizer {
	groupOptions := maps.Clone(o.defaults)
	maps.Copy(groupOptions, options)
	o.groups = append(o.groups, &ParamGroup{Params: params, Options: groupOptions})
	return o
}

// ParamGroups implements Interface.
func (o *Optimizer) ParamGroups() []*ParamGroup {
	return o.groups
}

// Initialized implements Interface.
func (o *Optimizer) Initialized() bool {
	return len(o.state) > 0
}

// State returns the per-parameter state of p, or nil if it has not been allocated yet.
func (o *Optimizer) State(p *module.Parameter) ParamState {
	return o.state[p]
}

// Step implements Interface.
func (o *Optimizer) Step() error {
	for groupIdx, group := range o.groups {
		for paramIdx, p := range group.Params {
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			state, found := o.state[p]
			if !found {
				state = make(ParamState)
				o.state[p] = state
			}
			if err := o.update(p, p.Grad, state, group.Options); err != nil {
				return errors.WithMessagef(err, "%s step on group #%d, parameter #%d", o.name, groupIdx, paramIdx)
			}
		}
	}
	return nil
}

// ZeroGrad implements Interface.
func (o *Optimizer) ZeroGrad(setToNone bool) {
	for _, group := range o.groups {
		for _, p := range group.Params {
			if setToNone {
				p.Grad = nil
			} else {
				p.Grad = module.ZerosLike(p.Value)
			}
		}
	}
}

// StateDict implements Interface.
func (o *Optimizer) StateDict() (*StateDict, error) {
	sd := NewStateDict()
	id := 0
	for _, group := range o.groups {
		groupState := &GroupState{Options: maps.Clone(group.Options)}
		for _, p := range group.Params {
			key := IDKey(id)
			id++
			groupState.Params = append(groupState.Params, key)
			if state, found := o.state[p]; found {
				sd.State[key] = state.Clone()
			}
		}
		sd.ParamGroups = append(sd.ParamGroups, groupState)
	}
	return sd, nil
}

// LoadStateDict implements Interface.
func (o *Optimizer) LoadStateDict(sd *StateDict) error {
	if len(sd.ParamGroups) != len(o.groups) {
		return errors.Errorf("%s: loaded state dict has %d parameter groups, the optimizer has %d",
			o.name, len(sd.ParamGroups), len(o.groups))
	}
	keyToParam := make(map[ParamKey]*module.Parameter)
	for groupIdx, group := range o.groups {
		saved := sd.ParamGroups[groupIdx]
		if len(saved.Params) != len(group.Params) {
			return errors.Errorf("%s: loaded group #%d has %d parameters, the optimizer group has %d",
				o.name, groupIdx, len(saved.Params), len(group.Params))
		}
		for paramIdx, key := range saved.Params {
			keyToParam[key] = group.Params[paramIdx]
		}
	}
	newState := make(map[*module.Parameter]ParamState, len(sd.State))
	for key, state := range sd.State {
		p, found := keyToParam[key]
		if !found {
			return errors.Errorf("%s: loaded state for %s, which is not listed in any parameter group", o.name, key)
		}
		loaded := make(ParamState, len(state))
		for name, value := range state {
			v, err := importState(p, value)
			if err != nil {
				return errors.WithMessagef(err, "%s: state %q of %s", o.name, name, key)
			}
			loaded[name] = v
		}
		newState[p] = loaded
	}
	for groupIdx, group := range o.groups {
		group.Options = maps.Clone(sd.ParamGroups[groupIdx].Options)
	}
	o.state = newState
	return nil
}

// importState returns a copy of a loaded state value, checking it matches the layout of its parameter.
// Tensor states of []float64 parameters are materialized. Scalar states (e.g.: step) are accepted as is.
func importState(p *module.Parameter, value any) (any, error) {
	switch v := value.(type) {
	case []float64, *distributed.Tensor:
		if got, want := module.ValueSize(v), module.ValueSize(p.Value); got != want {
			return nil, errors.Errorf("has %d elements, but the parameter has %d", got, want)
		}
		if _, isFlat := p.Value.([]float64); isFlat {
			return module.Materialize(v)
		}
	}
	return module.CloneValue(value), nil
}
