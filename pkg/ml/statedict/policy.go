// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"slices"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy is the resolved plan of one ProduceState or LoadState call.
type Policy struct {
	// HandleModel and HandleOptim indicate which state dicts are produced or loaded.
	HandleModel, HandleOptim bool

	Options Options

	// ModelConfig and OptimConfig are the configurations set on the shard wrappers while
	// saving and loading.
	ModelConfig, OptimConfig module.StateDictConfig

	// ShardModules are the shard wrappers of the model, in pre-order.
	ShardModules []*module.Node

	// HasTensorParallel indicates the model holds tensor-parallel parameters.
	HasTensorParallel bool
}

// resolvePolicy validates the arguments of a call and returns its Policy.
func resolvePolicy(root *module.Node, optims []optimizers.Interface, modelOnly, optimOnly bool, options *Options) (*Policy, error) {
	if root == nil {
		return nil, errors.Wrap(ErrConfiguration, "model is nil")
	}
	if options == nil {
		options = DefaultOptions()
	}
	if modelOnly && optimOnly {
		return nil, errors.Wrap(ErrConfiguration, "both model-only and optimizer-only were requested, which one is needed?")
	}
	if modelOnly && len(optims) > 0 {
		return nil, errors.Wrapf(ErrConfiguration, "model-only was requested, but %d optimizers were given", len(optims))
	}
	if optimOnly && len(optims) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "optimizer-only was requested, but no optimizers were given")
	}
	if slices.Contains(optims, nil) {
		return nil, errors.Wrap(ErrConfiguration, "nil optimizer given")
	}

	policy := &Policy{
		HandleModel: modelOnly || !optimOnly,
		HandleOptim: optimOnly || (!modelOnly && len(optims) > 0),
		Options:     *options,
	}
	if !policy.HandleModel && !policy.HandleOptim {
		return nil, errors.Wrap(ErrConfiguration, "neither the model nor the optimizers state would be handled")
	}

	_ = root.Walk(func(path string, n *module.Node) error {
		if n.Kind() == module.KindTensorParallel {
			policy.HasTensorParallel = true
		}
		return nil
	})
	for _, np := range root.NamedParameters() {
		if _, isProxy := np.Param.Value.(*distributed.Tensor); isProxy {
			policy.HasTensorParallel = true
			break
		}
	}
	if policy.HasTensorParallel && !options.UseTensorProxy {
		return nil, errors.Wrap(ErrConfiguration, "the model has tensor-parallel parameters, but UseTensorProxy is false")
	}

	policy.ShardModules = shard.Modules(root)
	if len(policy.ShardModules) > 0 {
		switch options.SaveFormat {
		case module.FullStateDict:
			policy.ModelConfig = module.StateDictConfig{Type: module.FullStateDict, OffloadToHost: true, CoordinatorOnly: true}
			policy.OptimConfig = policy.ModelConfig
		case module.ShardedStateDict:
			policy.ModelConfig = module.StateDictConfig{
				Type:           module.ShardedStateDict,
				OffloadToHost:  options.OffloadToHost,
				UseTensorProxy: options.UseTensorProxy,
			}
			policy.OptimConfig = policy.ModelConfig
		default:
			return nil, errors.Wrapf(ErrConfiguration, "save format %s is not supported, use %s or %s",
				options.SaveFormat, module.FullStateDict, module.ShardedStateDict)
		}
		if !slices.ContainsFunc(policy.ShardModules, shard.IsRoot) {
			return nil, errors.Wrapf(ErrStateShape, "the model has %d shard wrappers, but none is the root of a shard group",
				len(policy.ShardModules))
		}
	}
	klog.V(1).Infof("statedict: model=%v, optimizers=%v (%d), %d shard wrappers, tensor-parallel=%v, %s",
		policy.HandleModel, policy.HandleOptim, len(optims), len(policy.ShardModules), policy.HasTensorParallel, options)
	return policy, nil
}

// withContext runs fn with the shard wrappers of root configured by the policy.
func (p *Policy) withContext(root *module.Node, fn func() error) error {
	if len(p.ShardModules) == 0 {
		return fn()
	}
	return shard.WithStateDictType(root, p.ModelConfig, p.OptimConfig, fn)
}
