// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/pkg/errors"
)

// StateDict maps names to values (parameters and buffers).
type StateDict map[string]any

// Keys returns the keys of the state dict, sorted.
func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// Clone returns a shallow copy: values are shared.
func (sd StateDict) Clone() StateDict {
	return maps.Clone(sd)
}

// StateDictType is the format shard wrappers use to save and load their state.
type StateDictType int

const (
	// LocalStateDict saves the flat parameters as they are, under their FlatParamName slot.
	// It is the format used when nothing else was configured.
	LocalStateDict StateDictType = iota

	// FullStateDict saves each original parameter fully materialized.
	FullStateDict

	// ShardedStateDict saves each original parameter as a shard of the logical tensor, optionally
	// represented as a *distributed.Tensor.
	ShardedStateDict
)

var stateDictTypeNames = map[StateDictType]string{
	LocalStateDict:   "local",
	FullStateDict:    "full",
	ShardedStateDict: "sharded",
}

// String implements fmt.Stringer.
func (t StateDictType) String() string {
	if name, found := stateDictTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("StateDictType(%d)", int(t))
}

// StateDictTypeString parses a StateDictType from its name (case-insensitive).
func StateDictTypeString(s string) (StateDictType, error) {
	for t, name := range stateDictTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return LocalStateDict, errors.Errorf("%q is not a valid StateDictType, valid values are %q",
		s, slices.Sorted(maps.Values(stateDictTypeNames)))
}

// StateDictConfig configures how shard wrappers save and load (model or optimizer) state.
type StateDictConfig struct {
	Type StateDictType

	// OffloadToHost makes saved values copies, instead of aliasing the parameters' storage.
	OffloadToHost bool

	// CoordinatorOnly makes only the coordinating process (rank 0) hold the saved values.
	// Only meaningful for FullStateDict.
	CoordinatorOnly bool

	// UseTensorProxy represents sharded values as *distributed.Tensor. Only meaningful for ShardedStateDict.
	UseTensorProxy bool
}

// ShardState holds the state of a shard wrapper.
type ShardState struct {
	// Root indicates the wrapper is the root of its shard group: the one that coordinates saving
	// and loading for all nested wrappers.
	Root bool

	// Rank of the current process in the shard group.
	Rank int

	// Mesh over which the parameters are sharded. It can be nil if the sharded format with tensor
	// proxies is never used.
	Mesh *distributed.DeviceMesh

	// Config is the current model state dict configuration.
	Config StateDictConfig

	// OptimConfig is the current optimizer state dict configuration.
	OptimConfig StateDictConfig
}

// ShardAxisName is the mesh axis along which shard wrappers split their parameters.
const ShardAxisName = "shard"

// shardScope is the configuration in effect while saving or loading the contents of a shard wrapper.
// A nil *shardScope means the local format.
type shardScope struct {
	cfg  StateDictConfig
	mesh *distributed.DeviceMesh
}

// enterShard returns the scope for the contents of the shard wrapper n: roots use their own
// configuration, nested wrappers inherit the one of their root, and wrappers without a root
// above them (in the tree being saved) fall back to the local format.
func (n *Node) enterShard(inherited *shardScope) *shardScope {
	scope := inherited
	if n.shard.Root {
		if n.shard.Config.Type == LocalStateDict {
			return nil
		}
		scope = &shardScope{cfg: n.shard.Config}
	}
	if scope == nil {
		return nil
	}
	if n.shard.Mesh != nil {
		scope = &shardScope{cfg: scope.cfg, mesh: n.shard.Mesh}
	}
	return scope
}

// StateDict returns the native state of the tree: the parameters and buffers keyed by their names.
//
// Shard wrappers that are the root of their group (and the wrappers nested in them) follow their
// configured StateDictConfig: with FullStateDict or ShardedStateDict the flat parameters are split back
// into the original parameters, and the ShardWrappedChildName slot is omitted from the names.
// Otherwise, shard wrappers save the flat parameter itself, under "<...>._shard_wrapped_module._flat_param".
func (n *Node) StateDict() (StateDict, error) {
	sd := make(StateDict)
	if err := n.saveInto(sd, "", nil); err != nil {
		return nil, err
	}
	return sd, nil
}

func (n *Node) saveInto(sd StateDict, prefix string, scope *shardScope) error {
	switch n.kind {
	case KindReplica:
		return n.Wrapped().saveInto(sd, JoinName(prefix, ReplicaChildName), scope)
	case KindShard:
		scope = n.enterShard(scope)
		if scope == nil {
			return n.Wrapped().saveInto(sd, JoinName(prefix, ShardWrappedChildName), nil)
		}
		if scope.cfg.Type == FullStateDict && scope.cfg.CoordinatorOnly && n.shard.Rank != 0 {
			// Only the coordinator holds the full values.
			return nil
		}
		return n.Wrapped().saveInto(sd, prefix, scope)
	}

	for _, e := range n.params {
		p := e.value
		key := JoinName(prefix, e.name)
		if !p.IsFlat() || scope == nil {
			sd[key] = exportValue(p.Value, scope)
			continue
		}
		flat, ok := p.Value.([]float64)
		if !ok {
			return errors.Errorf("flat parameter %q holds a %T, expected []float64", key, p.Value)
		}
		parts, err := p.flat.Split(flat)
		if err != nil {
			return errors.WithMessagef(err, "saving flat parameter %q", key)
		}
		for i, fqn := range p.flat.FQNs {
			value, err := ExportShardedValue(parts[i], scope.cfg, scope.mesh)
			if err != nil {
				return errors.WithMessagef(err, "saving %q from flat parameter %q", fqn, key)
			}
			sd[JoinName(prefix, fqn)] = value
		}
	}
	for _, e := range n.buffers {
		sd[JoinName(prefix, e.name)] = exportValue(e.value, scope)
	}
	for _, e := range n.children {
		if err := e.value.saveInto(sd, JoinName(prefix, e.name), scope); err != nil {
			return err
		}
	}
	return nil
}

func exportValue(v any, scope *shardScope) any {
	if scope != nil && scope.cfg.OffloadToHost {
		return CloneValue(v)
	}
	return v
}

// ExportShardedValue converts a fully materialized value, owned by a shard wrapper, to the format given by cfg.
// With ShardedStateDict and UseTensorProxy it returns a *distributed.Tensor split over the ShardAxisName
// axis of mesh, otherwise it returns the value itself.
func ExportShardedValue(value []float64, cfg StateDictConfig, mesh *distributed.DeviceMesh) (any, error) {
	if cfg.Type != ShardedStateDict || !cfg.UseTensorProxy {
		return value, nil
	}
	if mesh == nil {
		var err error
		mesh, err = distributed.NewDeviceMesh([]int{1}, []string{ShardAxisName})
		if err != nil {
			return nil, err
		}
	}
	return distributed.ShardTensor(value, mesh, distributed.NewShardSpec(ShardAxisName))
}

// LoadStateDict loads the native state of the tree. It expects exactly the keys StateDict would return
// with the current configuration: missing or unexpected keys are errors. Values are copied into the tree.
//
// A failed load may leave the tree partially loaded.
func (n *Node) LoadStateDict(sd StateDict) error {
	used := make(map[string]bool, len(sd))
	if err := n.loadFrom(sd, "", nil, used); err != nil {
		return err
	}
	if len(used) != len(sd) {
		var unexpected []string
		for key := range sd {
			if !used[key] {
				unexpected = append(unexpected, key)
			}
		}
		slices.Sort(unexpected)
		return errors.Errorf("unexpected keys in state dict: %q", unexpected)
	}
	return nil
}

func fetch(sd StateDict, key string, used map[string]bool) (any, error) {
	v, found := sd[key]
	if !found {
		return nil, errors.Errorf("missing key %q in state dict", key)
	}
	used[key] = true
	return v, nil
}

func (n *Node) loadFrom(sd StateDict, prefix string, scope *shardScope, used map[string]bool) error {
	switch n.kind {
	case KindReplica:
		return n.Wrapped().loadFrom(sd, JoinName(prefix, ReplicaChildName), scope, used)
	case KindShard:
		scope = n.enterShard(scope)
		if scope == nil {
			return n.Wrapped().loadFrom(sd, JoinName(prefix, ShardWrappedChildName), nil, used)
		}
		if scope.cfg.Type == FullStateDict && scope.cfg.CoordinatorOnly && n.shard.Rank != 0 {
			return nil
		}
		return n.Wrapped().loadFrom(sd, prefix, scope, used)
	}

	for _, e := range n.params {
		p := e.value
		key := JoinName(prefix, e.name)
		if !p.IsFlat() || scope == nil {
			v, err := fetch(sd, key, used)
			if err != nil {
				return err
			}
			if err := importValue(p, key, v); err != nil {
				return err
			}
			continue
		}
		parts := make([][]float64, len(p.flat.FQNs))
		for i, fqn := range p.flat.FQNs {
			partKey := JoinName(prefix, fqn)
			v, err := fetch(sd, partKey, used)
			if err != nil {
				return err
			}
			parts[i], err = Materialize(v)
			if err != nil {
				return errors.WithMessagef(err, "loading %q", partKey)
			}
		}
		flat, err := p.flat.Concat(parts)
		if err != nil {
			return errors.WithMessagef(err, "loading flat parameter %q", key)
		}
		p.Value = flat
	}
	for i, e := range n.buffers {
		key := JoinName(prefix, e.name)
		v, err := fetch(sd, key, used)
		if err != nil {
			return err
		}
		n.buffers[i].value = CloneValue(v)
	}
	for _, e := range n.children {
		if err := e.value.loadFrom(sd, JoinName(prefix, e.name), scope, used); err != nil {
			return err
		}
	}
	return nil
}

// importValue copies v into p, checking it is compatible with the current value.
// Values loaded into []float64 parameters are materialized.
func importValue(p *Parameter, key string, v any) error {
	if p.Value != nil {
		if _, isProxy := p.Value.(*distributed.Tensor); isProxy {
			if _, ok := v.(*distributed.Tensor); !ok {
				return errors.Errorf("parameter %q holds a *distributed.Tensor, cannot load a %T into it", key, v)
			}
		}
		if got, want := ValueSize(v), ValueSize(p.Value); got != want {
			return errors.Errorf("parameter %q has %d elements, cannot load a value with %d elements", key, want, got)
		}
	}
	if _, isFlat := p.Value.([]float64); isFlat {
		values, err := Materialize(v)
		if err != nil {
			return errors.WithMessagef(err, "loading parameter %q", key)
		}
		p.Value = values
		return nil
	}
	p.Value = CloneValue(v)
	return nil
}
