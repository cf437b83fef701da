// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to cross-device state:
//
// - DeviceMesh: expresses the topology of a set of devices, in terms of axis and their sizes.
// - ShardSpec: defines how a logical tensor is sharded across a DeviceMesh.
// - Tensor: a logical (flat) tensor distributed across multiple devices organized as a DeviceMesh.
//
// A Tensor is what tensor-parallel parameters hold, and what the shard wrapper produces
// when saving in the sharded format with tensor proxies enabled. State dict transformations
// move Tensor values around without looking into them.
package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Tensor is a logical tensor distributed across
// multiple devices organized as a DeviceMesh.
//
// It holds the physical shards (one per device) and the sharding specification as a ShardSpec.
// Values are kept flat: only the first axis can be sharded.
type Tensor struct {
	// mesh is the DeviceMesh this tensor is distributed on.
	mesh *DeviceMesh

	// spec defines how this tensor is sharded across the mesh.
	spec ShardSpec

	// size is the number of elements of the logical tensor.
	size int

	// shards holds the physical data for each device.
	// The map key is the device's global ordinal index (0 to NumDevices-1).
	shards map[int][]float64
}

// New creates a new Tensor from per-device shards.
func New(mesh *DeviceMesh, spec ShardSpec, size int, shards map[int][]float64) (*Tensor, error) {
	if err := spec.Validate(mesh); err != nil {
		return nil, errors.Wrap(err, "invalid ShardSpec")
	}
	if spec.Rank() > 1 {
		return nil, errors.Errorf("only flat tensors are supported, got %s", spec)
	}
	if len(shards) != mesh.NumDevices() {
		return nil, errors.Errorf("number of shards (%d) does not match number of devices in mesh (%d)", len(shards), mesh.NumDevices())
	}
	dt := &Tensor{mesh: mesh, spec: spec, size: size, shards: shards}
	for device := range mesh.NumDevices() {
		shard, found := shards[device]
		if !found {
			return nil, errors.Errorf("missing shard for device %d", device)
		}
		start, end, err := dt.shardRange(device)
		if err != nil {
			return nil, err
		}
		if len(shard) != end-start {
			return nil, errors.Errorf("shard for device %d has %d elements, expected %d", device, len(shard), end-start)
		}
	}
	return dt, nil
}

// ShardTensor splits the flat values according to spec over the mesh.
//
// Sharded axes are split in contiguous chunks of ceil(size/numShards) elements, so the last
// shards may be smaller (or empty).
func ShardTensor(values []float64, mesh *DeviceMesh, spec ShardSpec) (*Tensor, error) {
	if err := spec.Validate(mesh); err != nil {
		return nil, errors.Wrap(err, "invalid ShardSpec")
	}
	layout := &Tensor{mesh: mesh, spec: spec, size: len(values)}
	shards := make(map[int][]float64, mesh.NumDevices())
	for device := range mesh.NumDevices() {
		start, end, err := layout.shardRange(device)
		if err != nil {
			return nil, err
		}
		shards[device] = slices.Clone(values[start:end])
	}
	return New(mesh, spec, len(values), shards)
}

// shardRange returns the slice of the logical tensor held by device.
func (dt *Tensor) shardRange(device int) (start, end int, err error) {
	if dt.spec.IsReplicated() {
		return 0, dt.size, nil
	}
	axisName := dt.spec[0]
	numShards, err := dt.mesh.AxisSize(axisName)
	if err != nil {
		return 0, 0, err
	}
	coord, err := dt.mesh.Coordinate(device, axisName)
	if err != nil {
		return 0, 0, err
	}
	chunk := (dt.size + numShards - 1) / numShards
	start = min(coord*chunk, dt.size)
	end = min(start+chunk, dt.size)
	return start, end, nil
}

// Mesh returns the DeviceMesh for this tensor.
func (dt *Tensor) Mesh() *DeviceMesh {
	return dt.mesh
}

// ShardSpec returns the sharding specification for this tensor.
func (dt *Tensor) ShardSpec() ShardSpec {
	return dt.spec
}

// Size returns the number of elements of the logical, unsharded tensor.
func (dt *Tensor) Size() int {
	return dt.size
}

// Shard returns the physical shard of the given device. It's not a copy, changes to it are reflected in the Tensor.
func (dt *Tensor) Shard(device int) []float64 {
	return dt.shards[device]
}

// NumShards returns the number of physical shards, one per device.
func (dt *Tensor) NumShards() int {
	return len(dt.shards)
}

// Merge gathers the shards into the full logical tensor.
func (dt *Tensor) Merge() []float64 {
	values := make([]float64, dt.size)
	for device := range dt.mesh.NumDevices() {
		start, end, err := dt.shardRange(device)
		if err != nil {
			// Validated at construction.
			panic(err)
		}
		copy(values[start:end], dt.shards[device])
	}
	return values
}

// Clone returns a deep copy of the tensor, sharing only the mesh.
func (dt *Tensor) Clone() *Tensor {
	shards := make(map[int][]float64, len(dt.shards))
	for device, shard := range dt.shards {
		shards[device] = slices.Clone(shard)
	}
	return &Tensor{mesh: dt.mesh, spec: slices.Clone(dt.spec), size: dt.size, shards: shards}
}

// ZerosLike returns a tensor with the same mesh, spec and shard sizes, filled with zeros.
func (dt *Tensor) ZerosLike() *Tensor {
	shards := make(map[int][]float64, len(dt.shards))
	for device, shard := range dt.shards {
		shards[device] = make([]float64, len(shard))
	}
	return &Tensor{mesh: dt.mesh, spec: slices.Clone(dt.spec), size: dt.size, shards: shards}
}

// Equal returns whether both tensors have the same layout and values.
func (dt *Tensor) Equal(other *Tensor) bool {
	if dt == nil || other == nil {
		return dt == other
	}
	if dt.size != other.size || !dt.spec.Equal(other.spec) || !dt.mesh.Equal(other.mesh) {
		return false
	}
	for device, shard := range dt.shards {
		if !slices.Equal(shard, other.shards[device]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (dt *Tensor) String() string {
	return fmt.Sprintf("distributed.Tensor(size=%d, %s, %s)", dt.size, dt.spec, dt.mesh)
}
