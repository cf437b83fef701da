// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package module implements the module tree of a model: nodes holding named parameters, buffers
// and child nodes, possibly transformed by parallelism wrappers.
//
// A Node is one of a closed set of variants (see Kind):
//
//   - KindPlain: an ordinary module, with named children, parameters and buffers.
//   - KindReplica: a replica (data-parallel) wrapper. It holds exactly one child, in the slot
//     ReplicaChildName, and nothing else.
//   - KindShard: a shard (fully-sharded data-parallel) wrapper. It holds exactly one child, in the
//     slot ShardWrappedChildName. The parameters of the wrapped child are flattened into a single
//     flat Parameter registered on the wrapped child as FlatParamName. See package shard.
//   - KindTensorParallel: a module whose parameters are *distributed.Tensor values.
//
// Names are dot-separated paths through the tree, including the wrapper slots: e.g. a parameter
// "weight" of a module "enc" wrapped by a replica wrapper at the root is named "module.enc.weight".
//
// The tree also implements the native save/load primitives (Node.StateDict and Node.LoadStateDict),
// whose key format depends on the state dict type configured on the shard wrappers.
package module

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/statedict/pkg/support/xslices"
)

const (
	// Separator between the elements of a name.
	Separator = "."

	// ReplicaChildName is the slot under which a replica wrapper holds the replicated module.
	ReplicaChildName = "module"

	// ShardWrappedChildName is the slot under which a shard wrapper holds the wrapped module.
	ShardWrappedChildName = "_shard_wrapped_module"

	// FlatParamName is the slot, in the module wrapped by a shard wrapper, holding the flat parameter.
	FlatParamName = "_flat_param"
)

// Kind enumerates the variants of a Node.
type Kind int

const (
	KindPlain Kind = iota
	KindReplica
	KindShard
	KindTensorParallel
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "Plain"
	case KindReplica:
		return "Replica"
	case KindShard:
		return "Shard"
	case KindTensorParallel:
		return "TensorParallel"
	}
	return "Kind(?)"
}

type named[T any] struct {
	name  string
	value T
}

// Node of a module tree.
type Node struct {
	kind     Kind
	children []named[*Node]
	params   []named[*Parameter]
	buffers  []named[any]

	// shard is only set for KindShard.
	shard *ShardState
}

// New creates an empty plain module.
func New() *Node {
	return &Node{kind: KindPlain}
}

// NewTensorParallel creates an empty tensor-parallel module: its parameters must hold *distributed.Tensor values.
func NewTensorParallel() *Node {
	return &Node{kind: KindTensorParallel}
}

// Replicate wraps child with a replica wrapper.
func Replicate(child *Node) *Node {
	n := &Node{kind: KindReplica}
	n.children = append(n.children, named[*Node]{ReplicaChildName, child})
	return n
}

// NewShard creates a shard wrapper holding child, which is expected to already hold its flat parameter.
//
// It is meant to be used by the shard package, which takes care of the flattening.
func NewShard(child *Node, state *ShardState) *Node {
	if state == nil {
		state = &ShardState{}
	}
	n := &Node{kind: KindShard, shard: state}
	n.children = append(n.children, named[*Node]{ShardWrappedChildName, child})
	return n
}

// Kind returns the variant of the node.
func (n *Node) Kind() Kind {
	return n.kind
}

// ShardState returns the state of a shard wrapper, or nil if the node is not a shard wrapper.
func (n *Node) ShardState() *ShardState {
	return n.shard
}

func checkName(n *Node, name string) {
	if n.kind == KindReplica || n.kind == KindShard {
		exceptions.Panicf("cannot add %q to a %s wrapper, wrappers hold only their wrapped module", name, n.kind)
	}
	if name == "" || strings.Contains(name, Separator) {
		exceptions.Panicf("invalid module element name %q: it must be non-empty and cannot contain %q", name, Separator)
	}
	if n.has(name) {
		exceptions.Panicf("module element %q already exists", name)
	}
}

func (n *Node) has(name string) bool {
	_, found := n.Child(name)
	if !found {
		_, found = n.Param(name)
	}
	if !found {
		_, found = n.Buffer(name)
	}
	return found
}

// AddChild adds a named child module. It returns n, so calls can be chained.
//
// It panics if the name is invalid, already used, or if n is a wrapper.
func (n *Node) AddChild(name string, child *Node) *Node {
	checkName(n, name)
	n.children = append(n.children, named[*Node]{name, child})
	return n
}

// AddParam adds a named parameter. It returns n, so calls can be chained.
//
// It panics if the name is invalid, already used, or if n is a wrapper.
func (n *Node) AddParam(name string, p *Parameter) *Node {
	checkName(n, name)
	n.params = append(n.params, named[*Parameter]{name, p})
	return n
}

// AddBuffer adds a named buffer: persistent state that is saved and loaded, but it is not a parameter.
// It returns n, so calls can be chained.
func (n *Node) AddBuffer(name string, value any) *Node {
	checkName(n, name)
	n.buffers = append(n.buffers, named[any]{name, value})
	return n
}

// RemoveParam removes the named parameter and returns it, or nil if there is no such parameter.
func (n *Node) RemoveParam(name string) *Parameter {
	idx := slices.IndexFunc(n.params, func(e named[*Parameter]) bool { return e.name == name })
	if idx < 0 {
		return nil
	}
	p := n.params[idx].value
	n.params = slices.Delete(n.params, idx, idx+1)
	return p
}

// Child returns the named child.
func (n *Node) Child(name string) (*Node, bool) {
	for _, e := range n.children {
		if e.name == name {
			return e.value, true
		}
	}
	return nil, false
}

// Param returns the named parameter owned directly by n.
func (n *Node) Param(name string) (*Parameter, bool) {
	for _, e := range n.params {
		if e.name == name {
			return e.value, true
		}
	}
	return nil, false
}

// Buffer returns the value of the named buffer owned directly by n.
func (n *Node) Buffer(name string) (any, bool) {
	for _, e := range n.buffers {
		if e.name == name {
			return e.value, true
		}
	}
	return nil, false
}

// SetBuffer changes the value of an existing buffer. It returns false if there is no such buffer.
func (n *Node) SetBuffer(name string, value any) bool {
	for i := range n.buffers {
		if n.buffers[i].name == name {
			n.buffers[i].value = value
			return true
		}
	}
	return false
}

// ChildNames returns the names of the children, in insertion order.
func (n *Node) ChildNames() []string {
	return xslices.Map(n.children, func(e named[*Node]) string { return e.name })
}

// ParamNames returns the names of the parameters owned directly by n, in insertion order.
func (n *Node) ParamNames() []string {
	return xslices.Map(n.params, func(e named[*Parameter]) string { return e.name })
}

// Wrapped returns the single child of a replica or shard wrapper, or nil for other kinds.
func (n *Node) Wrapped() *Node {
	if n.kind != KindReplica && n.kind != KindShard {
		return nil
	}
	return n.children[0].value
}

// JoinName joins name elements with Separator, skipping empty prefixes.
func JoinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + Separator + name
}

// NamedParameter is a parameter and its name relative to the node it was enumerated from.
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// NamedBuffer is a buffer value and its name relative to the node it was enumerated from.
type NamedBuffer struct {
	Name  string
	Value any
}

// NamedParameters enumerates all parameters in the tree, depth-first: a node's own parameters come
// first, followed by those of each child in insertion order. Names include the wrapper slots.
//
// A parameter reachable through more than one path (tied weights) is only listed the first time.
func (n *Node) NamedParameters() []NamedParameter {
	var result []NamedParameter
	seen := make(map[*Parameter]bool)
	_ = n.Walk(func(path string, node *Node) error {
		for _, e := range node.params {
			if seen[e.value] {
				continue
			}
			seen[e.value] = true
			result = append(result, NamedParameter{JoinName(path, e.name), e.value})
		}
		return nil
	})
	return result
}

// Parameters returns all parameters in the tree, in the order of NamedParameters.
func (n *Node) Parameters() []*Parameter {
	return xslices.Map(n.NamedParameters(), func(np NamedParameter) *Parameter { return np.Param })
}

// NamedBuffers enumerates all buffers in the tree, in the same order as NamedParameters.
func (n *Node) NamedBuffers() []NamedBuffer {
	var result []NamedBuffer
	_ = n.Walk(func(path string, node *Node) error {
		for _, e := range node.buffers {
			result = append(result, NamedBuffer{JoinName(path, e.name), e.value})
		}
		return nil
	})
	return result
}

// Walk visits n and all its descendants in pre-order, calling fn with the name path of each node
// ("" for n itself). If fn returns an error the walk stops and the error is returned.
func (n *Node) Walk(fn func(path string, node *Node) error) error {
	return n.walk("", fn)
}

func (n *Node) walk(path string, fn func(path string, node *Node) error) error {
	if err := fn(path, n); err != nil {
		return err
	}
	for _, e := range n.children {
		if err := e.value.walk(JoinName(path, e.name), fn); err != nil {
			return err
		}
	}
	return nil
}
