// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"fmt"

	"github.com/gomlx/statedict/pkg/ml/module"
)

// Options control how state dicts are produced and loaded.
type Options struct {
	// UseTensorProxy makes shard wrappers save (and load) sharded values as *distributed.Tensor.
	// It must be set if the model has tensor-parallel modules.
	UseTensorProxy bool

	// SaveFormat used by shard wrappers: module.FullStateDict or module.ShardedStateDict.
	// It is ignored if the model has no shard wrappers.
	SaveFormat module.StateDictType

	// OffloadToHost makes the saved values copies of the parameters, as opposed to aliasing them.
	OffloadToHost bool

	// SaveFrozenParams includes the parameters with RequiresGrad=false in the model state dict.
	// If false, frozen parameters are omitted when producing, and keep their current values when loading.
	SaveFrozenParams bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		UseTensorProxy:   true,
		SaveFormat:       module.ShardedStateDict,
		OffloadToHost:    true,
		SaveFrozenParams: true,
	}
}

// String implements fmt.Stringer.
func (o *Options) String() string {
	return fmt.Sprintf("Options(format=%s, tensor_proxy=%v, offload=%v, frozen=%v)",
		o.SaveFormat, o.UseTensorProxy, o.OffloadToHost, o.SaveFrozenParams)
}
