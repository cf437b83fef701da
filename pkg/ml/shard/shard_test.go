// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"testing"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBlock() *module.Node {
	return module.New().
		AddParam("w", module.NewParameter([]float64{1, 2})).
		AddChild("norm", module.New().AddParam("scale", module.NewParameter([]float64{3})))
}

func TestWrap(t *testing.T) {
	block := buildBlock()
	wrapper := must.M1(Wrap(block))
	require.Equal(t, module.KindShard, wrapper.Kind())
	assert.True(t, IsRoot(wrapper))
	assert.Same(t, block, wrapper.Wrapped())

	flat, found := block.Param(module.FlatParamName)
	require.True(t, found)
	require.True(t, flat.IsFlat())
	assert.Equal(t, []float64{1, 2, 3}, flat.Value)
	assert.Equal(t, []string{"w", "norm.scale"}, flat.Flat().FQNs)
	assert.Equal(t, []int{2, 1}, flat.Flat().Sizes)
	_, found = block.Param("w")
	assert.False(t, found, "flattened parameters are removed from their modules")

	// Nested wrappers keep their parameters and stop being roots.
	inner := must.M1(Wrap(buildBlock()))
	outerBlock := module.New().
		AddParam("bias", module.NewParameter([]float64{0})).
		AddChild("inner", inner)
	outer := must.M1(Wrap(outerBlock))
	assert.True(t, IsRoot(outer))
	assert.False(t, IsRoot(inner))
	outerFlat, _ := outerBlock.Param(module.FlatParamName)
	assert.Equal(t, []string{"bias"}, outerFlat.Flat().FQNs)
	assert.Equal(t, []*module.Node{outer, inner}, Modules(outer))
}

func TestWrapErrors(t *testing.T) {
	mixed := module.New().
		AddParam("w", module.NewParameter([]float64{1})).
		AddParam("frozen", module.NewParameter([]float64{2}).Frozen())
	_, err := Wrap(mixed)
	assert.ErrorContains(t, err, "RequiresGrad")

	_, err = Wrap(module.New().AddChild("ddp", module.Replicate(buildBlock())))
	assert.ErrorContains(t, err, "replica")

	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"data"}))
	_, err = Wrap(buildBlock(), WithMesh(mesh))
	assert.Error(t, err, "the mesh requires a %q axis", module.ShardAxisName)
}

func TestWithStateDictType(t *testing.T) {
	inner := must.M1(Wrap(buildBlock()))
	root := must.M1(Wrap(module.New().AddChild("inner", inner)))
	cfg := module.StateDictConfig{Type: module.FullStateDict, CoordinatorOnly: true}
	optimCfg := module.StateDictConfig{Type: module.ShardedStateDict}
	err := WithStateDictType(root, cfg, optimCfg, func() error {
		for _, n := range Modules(root) {
			assert.Equal(t, cfg, n.ShardState().Config)
			assert.Equal(t, optimCfg, n.ShardState().OptimConfig)
		}
		return nil
	})
	require.NoError(t, err)
	for _, n := range Modules(root) {
		assert.Equal(t, module.LocalStateDict, n.ShardState().Config.Type, "configuration restored")
		assert.Equal(t, module.LocalStateDict, n.ShardState().OptimConfig.Type, "configuration restored")
	}
}

func TestOptimStateDict(t *testing.T) {
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{module.ShardAxisName}))
	block := buildBlock()
	root := module.New().AddChild("block", must.M1(Wrap(block, WithMesh(mesh))))
	index := must.M1(fqn.BuildIndex(root))
	flat, _ := block.Param(module.FlatParamName)

	opt := optimizers.StochasticGradientDescent().LearningRate(1).Momentum(0.9).Done(root.Parameters()...)
	flat.Grad = []float64{1, 1, 1}
	require.NoError(t, opt.Step())
	native := must.M1(opt.StateDict())

	// Sharded with tensor proxies.
	cfg := module.StateDictConfig{Type: module.ShardedStateDict, UseTensorProxy: true}
	var osd *optimizers.StateDict
	require.NoError(t, WithStateDictType(root, cfg, cfg, func() (err error) {
		osd, err = OptimStateDict(root, opt, native, index)
		return
	}))
	require.Len(t, osd.ParamGroups, 1)
	assert.Equal(t, optimizers.FQNKeys("block.w", "block.norm.scale"), osd.ParamGroups[0].Params)
	require.Len(t, osd.State, 2)
	wState := osd.State[optimizers.FQNKey("block.w")]
	assert.Equal(t, int64(1), wState[optimizers.StateStep])
	require.IsType(t, &distributed.Tensor{}, wState[optimizers.StateMomentumBuffer])
	buffer := wState[optimizers.StateMomentumBuffer].(*distributed.Tensor)
	assert.Equal(t, 2, buffer.NumShards())
	assert.Equal(t, []float64{1, 1}, buffer.Merge())
	assert.Equal(t, []float64{1}, osd.State[optimizers.FQNKey("block.norm.scale")][optimizers.StateMomentumBuffer].(*distributed.Tensor).Merge())

	// And back.
	var toLoad *optimizers.StateDict
	require.NoError(t, WithStateDictType(root, cfg, cfg, func() (err error) {
		toLoad, err = OptimStateDictToLoad(root, opt, osd, index)
		return
	}))
	key := optimizers.FQNKey("block._shard_wrapped_module._flat_param")
	assert.Equal(t, []optimizers.ParamKey{key}, toLoad.ParamGroups[0].Params)
	assert.Equal(t, []float64{1, 1, 1}, toLoad.State[key][optimizers.StateMomentumBuffer])
	assert.Equal(t, int64(1), toLoad.State[key][optimizers.StateStep])
	require.NoError(t, opt.LoadStateDict(toLoad))
	assert.Equal(t, []float64{1, 1, 1}, opt.State(flat)[optimizers.StateMomentumBuffer])

	// Full format, with states missing for part of a flat parameter.
	full := module.StateDictConfig{Type: module.FullStateDict}
	require.NoError(t, WithStateDictType(root, full, full, func() (err error) {
		osd, err = OptimStateDict(root, opt, native, index)
		return
	}))
	assert.Equal(t, []float64{1, 1}, osd.State[optimizers.FQNKey("block.w")][optimizers.StateMomentumBuffer])
	delete(osd.State, optimizers.FQNKey("block.w"))
	_, err := OptimStateDictToLoad(root, opt, osd, index)
	assert.ErrorContains(t, err, "block.w")

	// The local format can't represent the state of flat parameters by canonical names.
	_, err = OptimStateDict(root, opt, native, index)
	assert.Error(t, err)
}
