// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"slices"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Parameter of a model.
//
// Value (and Grad) are either []float64 or *distributed.Tensor values. Code transforming state dicts
// only moves them around.
type Parameter struct {
	Value any

	// Grad is the accumulated gradient, or nil if there is none.
	Grad any

	// RequiresGrad indicates whether the parameter is trainable. Frozen parameters are not touched
	// by optimizers.
	RequiresGrad bool

	flat *FlatInfo
}

// NewParameter creates a trainable parameter with the given value.
func NewParameter(value any) *Parameter {
	return &Parameter{Value: value, RequiresGrad: true}
}

// Frozen marks the parameter as not trainable and returns it.
func (p *Parameter) Frozen() *Parameter {
	p.RequiresGrad = false
	return p
}

// FlatInfo describes the original parameters concatenated into a flat parameter.
type FlatInfo struct {
	// FQNs of the original parameters, relative to the module holding the flat parameter.
	FQNs []string

	// Sizes (number of elements) of the original parameters.
	Sizes []int
}

// Offsets returns the start offset of each original parameter in the flat value, plus the total size.
func (f *FlatInfo) Offsets() []int {
	offsets := make([]int, len(f.Sizes)+1)
	for i, size := range f.Sizes {
		offsets[i+1] = offsets[i] + size
	}
	return offsets
}

// Split splits a flat value into the original parameters' values. The parts are copies.
func (f *FlatInfo) Split(flat []float64) ([][]float64, error) {
	offsets := f.Offsets()
	if len(flat) != offsets[len(offsets)-1] {
		return nil, errors.Errorf("flat value has %d elements, but the flattened parameters %q add up to %d",
			len(flat), f.FQNs, offsets[len(offsets)-1])
	}
	parts := make([][]float64, len(f.Sizes))
	for i := range f.Sizes {
		parts[i] = slices.Clone(flat[offsets[i]:offsets[i+1]])
	}
	return parts, nil
}

// Concat concatenates the original parameters' values into a flat value.
func (f *FlatInfo) Concat(parts [][]float64) ([]float64, error) {
	if len(parts) != len(f.Sizes) {
		return nil, errors.Errorf("expected %d parts for flattened parameters %q, got %d", len(f.Sizes), f.FQNs, len(parts))
	}
	flat := make([]float64, 0, f.Offsets()[len(f.Sizes)])
	for i, part := range parts {
		if len(part) != f.Sizes[i] {
			return nil, errors.Errorf("flattened parameter %q expects %d elements, got %d", f.FQNs[i], f.Sizes[i], len(part))
		}
		flat = append(flat, part...)
	}
	return flat, nil
}

// NewFlatParameter creates a flat parameter. It is meant to be used by the shard package.
func NewFlatParameter(value []float64, info *FlatInfo, requiresGrad bool) *Parameter {
	return &Parameter{Value: value, RequiresGrad: requiresGrad, flat: info}
}

// IsFlat returns whether the parameter is a flat parameter, representing several original parameters.
func (p *Parameter) IsFlat() bool {
	return p.flat != nil
}

// Flat returns the flat parameter information, or nil if p is not a flat parameter.
func (p *Parameter) Flat() *FlatInfo {
	return p.flat
}

// ZerosLike returns a value with the same layout as v, filled with zeros.
func ZerosLike(v any) any {
	switch value := v.(type) {
	case []float64:
		return make([]float64, len(value))
	case *distributed.Tensor:
		return value.ZerosLike()
	}
	return nil
}

// CloneValue returns a deep copy of v. Values of unknown types are returned as is.
func CloneValue(v any) any {
	switch value := v.(type) {
	case []float64:
		return slices.Clone(value)
	case *distributed.Tensor:
		return value.Clone()
	}
	return v
}

// Materialize returns the full logical value of v as a flat slice (a copy).
func Materialize(v any) ([]float64, error) {
	switch value := v.(type) {
	case []float64:
		return slices.Clone(value), nil
	case *distributed.Tensor:
		return value.Merge(), nil
	}
	return nil, errors.Errorf("cannot materialize value of type %T", v)
}

// ValueSize returns the number of elements of the logical value.
func ValueSize(v any) int {
	switch value := v.(type) {
	case []float64:
		return len(value)
	case *distributed.Tensor:
		return value.Size()
	}
	return 0
}

// ValuesEqual returns whether two values have the same representation and contents.
func ValuesEqual(a, b any) bool {
	switch va := a.(type) {
	case []float64:
		vb, ok := b.([]float64)
		return ok && floats.Equal(va, vb)
	case *distributed.Tensor:
		vb, ok := b.(*distributed.Tensor)
		return ok && va.Equal(vb)
	}
	return a == b
}
