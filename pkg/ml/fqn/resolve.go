// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fqn resolves the names of parameters in a module tree transformed by parallelism wrappers
// to their canonical fully-qualified names (FQNs): the names they would have in the same model without
// any replica or shard wrappers.
//
// A flat parameter, created by a shard wrapper, has one canonical FQN for each of the original parameters
// it represents.
package fqn

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/pkg/errors"
)

// ErrLookup is returned (wrapped) when a name cannot be resolved in the module tree.
var ErrLookup = errors.New("lookup error")

// lookupPanicf throws an ErrLookup, caught by the exported functions.
func lookupPanicf(path, format string, args ...any) {
	panic(errors.Wrapf(ErrLookup, "cannot resolve %q: "+format, append([]any{path}, args...)...))
}

// Resolve returns the canonical FQNs of the parameter (or buffer) named path in the tree under root.
//
// The result is a set, returned in a deterministic order: a single name for ordinary parameters, or the
// names of the original parameters (in flattening order) for a flat parameter.
//
// If skipReplicaPrefix is false, the ReplicaChildName slots of replica wrappers are kept in the
// returned names: that is the form replica wrappers expect when loading. Shard wrapper slots are always
// removed, and they are optional in path: names of the wrapped module can be used directly, as in the
// keys of the full and sharded state dict formats.
//
// A name without any separator is returned as is, without looking it up. Names that don't exist in the tree
// return an error wrapping ErrLookup.
func Resolve(root *module.Node, path string, skipReplicaPrefix bool) (fqns []string, err error) {
	err = exceptions.TryCatch[error](func() {
		fqns = resolve(root, path, skipReplicaPrefix)
	})
	return
}

func resolve(root *module.Node, path string, skipReplicaPrefix bool) []string {
	if !strings.Contains(path, module.Separator) {
		return []string{path}
	}
	segments := strings.Split(path, module.Separator)
	canonical := make([]string, 0, len(segments))
	node := root

	// Flat parameter of the innermost shard wrapper entered, and the position of its wrapped
	// module in canonical.
	var (
		flat      *module.FlatInfo
		flatStart int
	)
	enterShard := func(shardNode *module.Node) *module.Node {
		wrapped := shardNode.Wrapped()
		flat = nil
		if p, found := wrapped.Param(module.FlatParamName); found && p.IsFlat() {
			flat, flatStart = p.Flat(), len(canonical)
		}
		return wrapped
	}

	for i, segment := range segments {
		last := i == len(segments)-1
		for node.Kind() == module.KindShard && segment != module.ShardWrappedChildName {
			// Shard wrappers forward names to their wrapped module.
			node = enterShard(node)
		}
		switch node.Kind() {
		case module.KindReplica:
			if segment != module.ReplicaChildName {
				lookupPanicf(path, "replica wrapper holds %q, got %q", module.ReplicaChildName, segment)
			}
			if !skipReplicaPrefix {
				canonical = append(canonical, segment)
			}
			node = node.Wrapped()

		case module.KindShard:
			node = enterShard(node)
			if !last && segments[i+1] == module.FlatParamName {
				if flat == nil {
					lookupPanicf(path, "shard wrapper has no flat parameter")
				}
				prefix := strings.Join(canonical, module.Separator)
				fqns := make([]string, len(flat.FQNs))
				for j, name := range flat.FQNs {
					fqns[j] = module.JoinName(prefix, name)
				}
				return fqns
			}

		default:
			canonical = append(canonical, segment)
			if last {
				// Flattened parameters are still addressable by their original names.
				if !hasElement(node, segment) &&
					(flat == nil || !slices.Contains(flat.FQNs, strings.Join(canonical[flatStart:], module.Separator))) {
					lookupPanicf(path, "%q not found", segment)
				}
				continue
			}
			child, found := node.Child(segment)
			if !found {
				lookupPanicf(path, "module %q not found", segment)
			}
			node = child
		}
	}
	return []string{strings.Join(canonical, module.Separator)}
}

func hasElement(node *module.Node, name string) bool {
	if _, found := node.Param(name); found {
		return true
	}
	if _, found := node.Buffer(name); found {
		return true
	}
	_, found := node.Child(name)
	return found
}
