// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"slices"
	"strings"

	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/pkg/errors"
)

// verify checks the state dicts produced or to be loaded are consistent with the policy.
func verify(msd module.StateDict, osd *optimizers.StateDict, policy *Policy) error {
	if len(policy.ShardModules) > 0 && !slices.ContainsFunc(policy.ShardModules, shard.IsRoot) {
		return errors.Wrap(ErrStateShape, "the model has shard wrappers, but no root shard wrapper")
	}
	if policy.HandleModel && len(msd) == 0 {
		return errors.Wrap(ErrStateShape, "the model state is required, but the model state dict is empty")
	}
	if policy.HandleOptim && (osd == nil || len(osd.State) == 0) {
		return errors.Wrap(ErrStateShape, "the optimizer state is required, but the optimizer state dict is empty")
	}
	for _, key := range msd.Keys() {
		if strings.Contains(key, module.FlatParamName) {
			return errors.Wrapf(ErrStateShape, "key %q contains %q: this happens if the state was saved from a shard "+
				"wrapper that is not the root", key, module.FlatParamName)
		}
	}
	return nil
}
