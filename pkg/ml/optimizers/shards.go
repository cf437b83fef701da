// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/pkg/errors"
)

// forEachShard calls fn with the matching flat shards of the given values, which must all be []float64
// or all be *distributed.Tensor with the same number of shards. Updates done by fn to the shards are
// reflected in the values.
func forEachShard(fn func(shards ...[]float64), values ...any) error {
	switch first := values[0].(type) {
	case []float64:
		shards := make([][]float64, len(values))
		for i, v := range values {
			flat, ok := v.([]float64)
			if !ok {
				return errors.Errorf("mixed value types: %T and %T", first, v)
			}
			if len(flat) != len(first) {
				return errors.Errorf("values of different sizes: %d and %d", len(first), len(flat))
			}
			shards[i] = flat
		}
		fn(shards...)
	case *distributed.Tensor:
		tensors := make([]*distributed.Tensor, len(values))
		for i, v := range values {
			dt, ok := v.(*distributed.Tensor)
			if !ok {
				return errors.Errorf("mixed value types: %T and %T", first, v)
			}
			if dt.NumShards() != first.NumShards() || dt.Size() != first.Size() {
				return errors.Errorf("incompatible distributed tensors: %s and %s", first, dt)
			}
			tensors[i] = dt
		}
		shards := make([][]float64, len(values))
		for device := range first.NumShards() {
			for i, dt := range tensors {
				shards[i] = dt.Shard(device)
			}
			fn(shards...)
		}
	default:
		return errors.Errorf("unsupported value type %T", values[0])
	}
	return nil
}
