// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers over the parameters of a module tree
// (see package module), and the native format of their saved state.
//
// Optimizers hold their parameters in groups (ParamGroup), each with its own hyperparameters.
// Their per-parameter state (step counts, moments, etc.) is allocated lazily, on the first Step with a
// gradient. The native StateDict identifies parameters by their positional id: the position of the
// parameter when enumerating all groups in order. LoadStateDict accepts states keyed by positional
// ids or by FQNs: keys are matched to parameters by the order in which they are listed in the groups.
package optimizers

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// ParamGroups returns the groups of parameters optimized, in order. The returned groups are the ones
	// used by the optimizer, changes to them (e.g.: the hyperparameters) affect the optimizer.
	ParamGroups() []*ParamGroup

	// Initialized returns whether the per-parameter state has been allocated (usually after the first Step).
	Initialized() bool

	// StateDict returns a copy of the state of the optimizer, keyed by positional ids.
	StateDict() (*StateDict, error)

	// LoadStateDict replaces the state of the optimizer by the given one. Keys (positional ids or FQNs)
	// are mapped to parameters by the order in which they are listed in sd.ParamGroups, which must
	// match the optimizer's groups.
	LoadStateDict(sd *StateDict) error

	// Step updates the trainable parameters that have a gradient.
	Step() error

	// ZeroGrad clears the gradients. If setToNone they are set to nil, otherwise they are filled with zeros.
	ZeroGrad(setToNone bool)
}

const (
	// ParamLearningRate is the hyperparameter name of the learning rate, used by all optimizers.
	ParamLearningRate = "learning_rate"

	// ParamWeightDecay is the hyperparameter name of the weight decay.
	ParamWeightDecay = "weight_decay"

	// StateStep is the name of the per-parameter state holding the number of steps taken.
	StateStep = "step"
)

// ParamGroup is a group of parameters sharing the same hyperparameters (Options).
type ParamGroup struct {
	Params  []*module.Parameter
	Options map[string]any
}

// ParamKey identifies a parameter in an optimizer state: either by its positional id or by its FQN.
//
// It is comparable, so it can be used as a map key.
type ParamKey struct {
	id    int
	fqn   string
	isFQN bool
}

// IDKey returns a key for a positional id.
func IDKey(id int) ParamKey {
	return ParamKey{id: id}
}

// FQNKey returns a key for a fully-qualified name.
func FQNKey(fqn string) ParamKey {
	return ParamKey{fqn: fqn, isFQN: true}
}

// IsFQN returns whether the key is an FQN, as opposed to a positional id.
func (k ParamKey) IsFQN() bool {
	return k.isFQN
}

// ID returns the positional id. It is 0 for FQN keys.
func (k ParamKey) ID() int {
	return k.id
}

// FQN returns the fully-qualified name. It is "" for positional id keys.
func (k ParamKey) FQN() string {
	return k.fqn
}

// String implements fmt.Stringer.
func (k ParamKey) String() string {
	if k.isFQN {
		return k.fqn
	}
	return "#" + strconv.Itoa(k.id)
}

// FQNKeys converts a list of names to keys.
func FQNKeys(fqns ...string) []ParamKey {
	return xslices.Map(fqns, FQNKey)
}

// ParamState is the optimizer state of one parameter, e.g.: {"step": 3, "exp_avg": []float64{...}}.
type ParamState map[string]any

// Clone returns a deep copy of the state.
func (s ParamState) Clone() ParamState {
	clone := make(ParamState, len(s))
	for name, value := range s {
		clone[name] = module.CloneValue(value)
	}
	return clone
}

// GroupState is the saved form of a ParamGroup: its hyperparameters and the keys of its parameters.
type GroupState struct {
	Params  []ParamKey
	Options map[string]any
}

// String implements fmt.Stringer.
func (g *GroupState) String() string {
	return fmt.Sprintf("GroupState(params=%v, options=%v)", g.Params, g.Options)
}

// StateDict is the saved state of one or more optimizers.
type StateDict struct {
	State       map[ParamKey]ParamState
	ParamGroups []*GroupState
}

// NewStateDict returns an empty StateDict.
func NewStateDict() *StateDict {
	return &StateDict{State: make(map[ParamKey]ParamState)}
}

// Clone returns a deep copy of the state dict.
func (sd *StateDict) Clone() *StateDict {
	clone := &StateDict{State: make(map[ParamKey]ParamState, len(sd.State))}
	for key, state := range sd.State {
		clone.State[key] = state.Clone()
	}
	for _, group := range sd.ParamGroups {
		clone.ParamGroups = append(clone.ParamGroups, &GroupState{
			Params:  append([]ParamKey(nil), group.Params...),
			Options: maps.Clone(group.Options),
		})
	}
	return clone
}

// Equal returns whether the two state dicts hold the same keys, groups and values.
func (sd *StateDict) Equal(other *StateDict) bool {
	if len(sd.State) != len(other.State) || len(sd.ParamGroups) != len(other.ParamGroups) {
		return false
	}
	for key, state := range sd.State {
		otherState, found := other.State[key]
		if !found || len(state) != len(otherState) {
			return false
		}
		for name, value := range state {
			if !module.ValuesEqual(value, otherState[name]) {
				return false
			}
		}
	}
	for i, group := range sd.ParamGroups {
		otherGroup := other.ParamGroups[i]
		if len(group.Params) != len(otherGroup.Params) || !maps.Equal(group.Options, otherGroup.Options) {
			return false
		}
		for j := range group.Params {
			if group.Params[j] != otherGroup.Params[j] {
				return false
			}
		}
	}
	return true
}

// optionOr returns the float hyperparameter from the options, or defaultValue if it is not set.
func optionOr(options map[string]any, name string, defaultValue float64) (float64, error) {
	value, found := options[name]
	if !found {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, errors.Errorf("hyperparameter %q must be a float64, got %T", name, value)
}
