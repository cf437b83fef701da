// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shard implements the shard (fully-sharded data-parallel) wrapper of module trees.
//
// Wrap flattens the parameters of a module into a single flat parameter, registered in the wrapped
// module as module.FlatParamName. The outermost shard wrapper of a group is its root: it coordinates
// how all the shard wrappers nested in it save and load their state (see module.StateDictConfig).
//
// The package also converts the optimizer state of flat parameters to and from the per-original-parameter
// form (OptimStateDict and OptimStateDictToLoad).
package shard

import (
	"slices"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Option configures a shard wrapper created by Wrap.
type Option func(state *module.ShardState)

// WithMesh sets the device mesh over which the wrapper shards its parameters. It must have an
// axis named module.ShardAxisName.
func WithMesh(mesh *distributed.DeviceMesh) Option {
	return func(state *module.ShardState) {
		state.Mesh = mesh
	}
}

// WithRank sets the rank of the current process in the shard group. The default is 0, the coordinator.
func WithRank(rank int) Option {
	return func(state *module.ShardState) {
		state.Rank = rank
	}
}

// Wrap returns a shard wrapper holding child, after flattening the parameters of child into a flat parameter.
//
// Parameters owned by shard wrappers nested in child are left alone (and those wrappers stop being roots),
// as are the parameters of tensor-parallel modules. The flattened parameters are removed from the modules
// that held them, and their values are copied into the flat parameter, in module.Node.NamedParameters order.
//
// All flattened parameters must hold []float64 values and share the same RequiresGrad. Replica wrappers
// inside child are not supported.
func Wrap(child *module.Node, opts ...Option) (*module.Node, error) {
	state := &module.ShardState{Root: true}
	for _, opt := range opts {
		opt(state)
	}
	if state.Mesh != nil {
		if _, err := state.Mesh.AxisSize(module.ShardAxisName); err != nil {
			return nil, errors.WithMessage(err, "shard wrapper mesh")
		}
	}
	if child.Kind() == module.KindReplica {
		return nil, errors.New("cannot shard a replica wrapper")
	}

	var (
		entries []flatEntry
		nested  []*module.Node
	)
	if err := collect(child, "", &entries, &nested); err != nil {
		return nil, err
	}
	for _, n := range nested {
		n.ShardState().Root = false
	}
	if len(entries) > 0 {
		info := &module.FlatInfo{}
		var flat []float64
		requiresGrad := entries[0].param.RequiresGrad
		for _, e := range entries {
			if e.param.RequiresGrad != requiresGrad {
				return nil, errors.Errorf("cannot flatten %q (RequiresGrad=%v) with %q (RequiresGrad=%v)",
					entries[0].fqn, requiresGrad, e.fqn, e.param.RequiresGrad)
			}
			info.FQNs = append(info.FQNs, e.fqn)
			info.Sizes = append(info.Sizes, len(e.value))
			flat = append(flat, e.value...)
		}
		for _, e := range entries {
			e.owner.RemoveParam(e.name)
		}
		child.AddParam(module.FlatParamName, module.NewFlatParameter(flat, info, requiresGrad))
		klog.V(2).Infof("shard: flattened %d parameters (%d elements) into %s", len(entries), len(flat), module.FlatParamName)
	}
	return module.NewShard(child, state), nil
}

// flatEntry is a parameter to be flattened.
type flatEntry struct {
	owner *module.Node
	name  string
	fqn   string
	param *module.Parameter
	value []float64
}

// collect the parameters to flatten under node, and the nested shard wrappers.
func collect(node *module.Node, prefix string, entries *[]flatEntry, nested *[]*module.Node) error {
	switch node.Kind() {
	case module.KindShard:
		*nested = append(*nested, node)
		return node.Walk(func(_ string, n *module.Node) error {
			if n.Kind() == module.KindShard && n != node {
				*nested = append(*nested, n)
			}
			return nil
		})
	case module.KindReplica:
		return errors.Errorf("replica wrapper at %q inside a shard wrapper is not supported", prefix)
	case module.KindTensorParallel:
		return nil
	}
	for _, name := range node.ParamNames() {
		p, _ := node.Param(name)
		fqn := module.JoinName(prefix, name)
		if p.IsFlat() {
			return errors.Errorf("parameter %q is already a flat parameter", fqn)
		}
		if slices.ContainsFunc(*entries, func(e flatEntry) bool { return e.param == p }) {
			return errors.Errorf("parameter %q is shared with another module, it cannot be flattened", fqn)
		}
		value, ok := p.Value.([]float64)
		if !ok {
			return errors.Errorf("parameter %q holds a %T, only []float64 values can be flattened", fqn, p.Value)
		}
		*entries = append(*entries, flatEntry{owner: node, name: name, fqn: fqn, param: p, value: value})
	}
	for _, name := range node.ChildNames() {
		child, _ := node.Child(name)
		if err := collect(child, module.JoinName(prefix, name), entries, nested); err != nil {
			return err
		}
	}
	return nil
}

// Modules returns all shard wrappers in the tree under root (including root itself), in pre-order.
func Modules(root *module.Node) []*module.Node {
	var shards []*module.Node
	_ = root.Walk(func(_ string, n *module.Node) error {
		if n.Kind() == module.KindShard {
			shards = append(shards, n)
		}
		return nil
	})
	return shards
}

// IsRoot returns whether node is a shard wrapper that is the root of its shard group.
func IsRoot(node *module.Node) bool {
	return node.Kind() == module.KindShard && node.ShardState().Root
}

// WithStateDictType sets the model and optimizer state dict configurations of all shard wrappers under root,
// calls fn, and restores the previous configurations.
func WithStateDictType(root *module.Node, modelCfg, optimCfg module.StateDictConfig, fn func() error) error {
	shards := Modules(root)
	previous := make([]module.ShardState, len(shards))
	for i, n := range shards {
		state := n.ShardState()
		previous[i] = *state
		state.Config = modelCfg
		state.OptimConfig = optimCfg
	}
	defer func() {
		for i, n := range shards {
			state := n.ShardState()
			state.Config = previous[i].Config
			state.OptimConfig = previous[i].OptimConfig
		}
	}()
	klog.V(2).Infof("shard: %d wrappers configured with model=%s, optimizer=%s state dict types",
		len(shards), modelCfg.Type, optimCfg.Type)
	return fn()
}
