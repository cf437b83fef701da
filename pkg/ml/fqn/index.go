// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fqn

import (
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/pkg/errors"
)

// Index maps the parameters of a module tree to and from their canonical FQNs.
//
// Each parameter is identified by its arena id: its position in module.Node.NamedParameters.
// Parameters are matched by identity (pointer), never by value.
//
// An Index is a snapshot: it is not updated if the tree changes.
type Index struct {
	params      []*module.Parameter
	nativeNames []string
	fqns        [][]string
	ids         map[*module.Parameter]int
	byFQN       map[string]int
}

// BuildIndex resolves the canonical FQNs of all parameters of the tree under root.
//
// It returns an error wrapping ErrLookup if a parameter name can't be resolved, resolves to no FQN, or if
// two parameters share a canonical FQN.
func BuildIndex(root *module.Node) (*Index, error) {
	named := root.NamedParameters()
	idx := &Index{
		params:      make([]*module.Parameter, 0, len(named)),
		nativeNames: make([]string, 0, len(named)),
		fqns:        make([][]string, 0, len(named)),
		ids:         make(map[*module.Parameter]int, len(named)),
		byFQN:       make(map[string]int, len(named)),
	}
	for id, np := range named {
		fqns, err := Resolve(root, np.Name, true)
		if err != nil {
			return nil, err
		}
		if len(fqns) == 0 {
			return nil, errors.Wrapf(ErrLookup, "parameter %q resolves to no canonical name", np.Name)
		}
		for _, name := range fqns {
			if other, found := idx.byFQN[name]; found {
				return nil, errors.Wrapf(ErrLookup, "parameters %q and %q share the canonical name %q",
					idx.nativeNames[other], np.Name, name)
			}
			idx.byFQN[name] = id
		}
		idx.params = append(idx.params, np.Param)
		idx.nativeNames = append(idx.nativeNames, np.Name)
		idx.fqns = append(idx.fqns, fqns)
		idx.ids[np.Param] = id
	}
	return idx, nil
}

// Len returns the number of parameters indexed.
func (idx *Index) Len() int {
	return len(idx.params)
}

// Params returns the parameters indexed, in arena id order.
func (idx *Index) Params() []*module.Parameter {
	return idx.params
}

// ID returns the arena id of p.
func (idx *Index) ID(p *module.Parameter) (int, bool) {
	id, found := idx.ids[p]
	return id, found
}

// FQNs returns the canonical FQNs of p, or nil if p is not part of the tree.
// The returned slice must not be modified.
func (idx *Index) FQNs(p *module.Parameter) []string {
	id, found := idx.ids[p]
	if !found {
		return nil
	}
	return idx.fqns[id]
}

// NativeName returns the name of p in the tree, including wrapper slots, or "" if p is not part of the tree.
func (idx *Index) NativeName(p *module.Parameter) string {
	id, found := idx.ids[p]
	if !found {
		return ""
	}
	return idx.nativeNames[id]
}

// Param returns the parameter that owns the canonical FQN name. For flat parameters, all the names they
// represent return the flat parameter.
func (idx *Index) Param(name string) (*module.Parameter, bool) {
	id, found := idx.byFQN[name]
	if !found {
		return nil, false
	}
	return idx.params[id], true
}
