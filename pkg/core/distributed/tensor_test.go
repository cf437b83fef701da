// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 3}, []string{"replica", "shard"})
	require.NoError(t, err)
	assert.Equal(t, 6, mesh.NumDevices())
	assert.Equal(t, "DeviceMesh{replica: 2, shard: 3}", mesh.String())

	// Row-major: device 4 is (replica=1, shard=1).
	coord, err := mesh.Coordinate(4, "replica")
	require.NoError(t, err)
	assert.Equal(t, 1, coord)
	coord, err = mesh.Coordinate(4, "shard")
	require.NoError(t, err)
	assert.Equal(t, 1, coord)

	_, err = NewDeviceMesh([]int{2}, []string{"0bad"})
	require.Error(t, err)
	_, err = NewDeviceMesh([]int{2, 2}, []string{"x", "x"})
	require.Error(t, err)
	_, err = mesh.AxisSize("model")
	require.Error(t, err)
}

func TestShardTensor(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{3}, []string{"shard"})
	require.NoError(t, err)

	values := []float64{1, 2, 3, 4, 5, 6, 7}
	dt, err := ShardTensor(values, mesh, NewShardSpec("shard"))
	require.NoError(t, err)
	assert.Equal(t, 7, dt.Size())
	assert.Equal(t, 3, dt.NumShards())
	assert.Equal(t, []float64{1, 2, 3}, dt.Shard(0))
	assert.Equal(t, []float64{4, 5, 6}, dt.Shard(1))
	assert.Equal(t, []float64{7}, dt.Shard(2))
	assert.Equal(t, values, dt.Merge())

	// Shards are copies of the input.
	values[0] = 100
	assert.Equal(t, 1.0, dt.Shard(0)[0])

	clone := dt.Clone()
	assert.True(t, dt.Equal(clone))
	clone.Shard(1)[0] = -1
	assert.False(t, dt.Equal(clone))

	zeros := dt.ZerosLike()
	assert.Equal(t, make([]float64, 7), zeros.Merge())

	_, err = ShardTensor(values, mesh, NewShardSpec("model"))
	require.Error(t, err)
}

func TestReplicatedTensor(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2}, []string{"replica"})
	require.NoError(t, err)
	dt, err := ShardTensor([]float64{1, 2}, mesh, NewShardSpec(""))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, dt.Shard(0))
	assert.Equal(t, []float64{1, 2}, dt.Shard(1))
	assert.Equal(t, []float64{1, 2}, dt.Merge())

	_, err = New(mesh, NewShardSpec(""), 2, map[int][]float64{0: {1, 2}})
	require.Error(t, err, "missing shard for device 1")
}

func TestShardSpecValidate(t *testing.T) {
	mesh, err := NewDeviceMesh([]int{2, 2}, []string{"replica", "shard"})
	require.NoError(t, err)
	require.NoError(t, NewShardSpec("shard").Validate(mesh))
	require.NoError(t, NewShardSpec("").Validate(mesh))
	require.ErrorContains(t, NewShardSpec("model").Validate(mesh), `no axis "model"`)
	require.Error(t, NewShardSpec("shard", "shard").Validate(mesh))

	// Only flat tensors can be built, even when the spec is valid for the mesh.
	_, err = ShardTensor([]float64{1, 2, 3, 4}, mesh, NewShardSpec("replica", "shard"))
	require.Error(t, err)
	dt, err := ShardTensor([]float64{1, 2, 3}, mesh, NewShardSpec("shard"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, dt.Shard(0))
	assert.Equal(t, []float64{3}, dt.Shard(1), "device 1 is (replica=0, shard=1)")
	assert.Equal(t, []float64{1, 2}, dt.Shard(2), "device 2 is (replica=1, shard=0)")
	assert.Equal(t, []float64{1, 2, 3}, dt.Merge())
}
