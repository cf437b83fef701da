// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"fmt"
	"maps"
	"testing"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type wrapping string

const (
	noWrapping   wrapping = "none"
	replica      wrapping = "replica"
	sharded      wrapping = "shard"
	replicaShard wrapping = "replica+shard"
	shardTP      wrapping = "shard+tp"
)

var allWrappings = []wrapping{noWrapping, replica, sharded, replicaShard, shardTP}

// canonicalKeys of the models built by buildModel, sorted.
var canonicalKeys = []string{"enc.a", "enc.b", "enc.steps", "enc.sub.c", "head.bias", "head.count", "head.w"}

func newEncoder() *module.Node {
	return module.New().
		AddParam("a", module.NewParameter([]float64{0.5})).
		AddParam("b", module.NewParameter([]float64{-1, 2})).
		AddBuffer("steps", []float64{3}).
		AddChild("sub", module.New().AddParam("c", module.NewParameter([]float64{1, 2, 3})))
}

// newHead returns a module with a trainable "w", a frozen "bias" and a buffer "count". If tpMesh is given,
// it is a tensor-parallel module.
func newHead(tpMesh *distributed.DeviceMesh) *module.Node {
	var w, bias any = []float64{0.1, 0.2, 0.3, 0.4}, []float64{1}
	head := module.New()
	if tpMesh != nil {
		spec := distributed.NewShardSpec("tp")
		w = must.M1(distributed.ShardTensor(w.([]float64), tpMesh, spec))
		bias = must.M1(distributed.ShardTensor(bias.([]float64), tpMesh, spec))
		head = module.NewTensorParallel()
	}
	return head.
		AddParam("w", module.NewParameter(w)).
		AddParam("bias", module.NewParameter(bias).Frozen()).
		AddBuffer("count", []float64{0})
}

func buildModel(w wrapping) *module.Node {
	var tpMesh *distributed.DeviceMesh
	if w == shardTP {
		tpMesh = must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))
	}
	enc := newEncoder()
	if w == sharded || w == replicaShard || w == shardTP {
		mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{module.ShardAxisName}))
		enc = must.M1(shard.Wrap(enc, shard.WithMesh(mesh)))
	}
	root := module.New().AddChild("enc", enc).AddChild("head", newHead(tpMesh))
	if w == replica || w == replicaShard {
		root = module.Replicate(root)
	}
	return root
}

// train takes one optimizer step, using the values of the parameters as their gradients.
func train(t *testing.T, model *module.Node, opt optimizers.Interface) {
	for _, p := range model.Parameters() {
		if p.RequiresGrad {
			p.Grad = module.CloneValue(p.Value)
		}
	}
	require.NoError(t, opt.Step())
	opt.ZeroGrad(true)
}

func assertSameValue(t *testing.T, want, got any, msgAndArgs ...any) {
	if module.ValueSize(want) == 0 {
		assert.Equal(t, want, got, msgAndArgs...)
		return
	}
	assert.InDeltaSlice(t, must.M1(module.Materialize(want)), must.M1(module.Materialize(got)), 1e-12, msgAndArgs...)
}

func requireSameState(t *testing.T, wantModel, gotModel module.StateDict, wantOptim, gotOptim *optimizers.StateDict) {
	require.Equal(t, wantModel.Keys(), gotModel.Keys())
	for key, value := range wantModel {
		assertSameValue(t, value, gotModel[key], "model state %q", key)
	}
	require.Len(t, gotOptim.State, len(wantOptim.State))
	for key, state := range wantOptim.State {
		gotState, found := gotOptim.State[key]
		require.True(t, found, "optimizer state %q", key)
		require.Len(t, gotState, len(state))
		for name, value := range state {
			assertSameValue(t, value, gotState[name], "optimizer state %q of %q", name, key)
		}
	}
	require.Len(t, gotOptim.ParamGroups, len(wantOptim.ParamGroups))
	for i, group := range wantOptim.ParamGroups {
		assert.Equal(t, group.Params, gotOptim.ParamGroups[i].Params)
		assert.True(t, maps.Equal(group.Options, gotOptim.ParamGroups[i].Options))
	}
}

func TestRoundTrip(t *testing.T) {
	for _, w := range allWrappings {
		for _, format := range []module.StateDictType{module.FullStateDict, module.ShardedStateDict} {
			t.Run(fmt.Sprintf("%s/%s", w, format), func(t *testing.T) {
				options := DefaultOptions()
				options.SaveFormat = format

				src := buildModel(w)
				srcOpt := optimizers.Adam().LearningRate(0.01).Done(src.Parameters()...)
				train(t, src, srcOpt)
				msd, osd, err := ProduceState(src, []optimizers.Interface{srcOpt}, false, false, options)
				require.NoError(t, err)
				assert.Equal(t, canonicalKeys, msd.Keys())
				assert.Len(t, osd.State, 4, "all trainable parameters have state")
				require.Len(t, osd.ParamGroups, 1)
				assert.Equal(t, optimizers.FQNKeys("enc.a", "enc.b", "enc.sub.c", "head.w", "head.bias"),
					osd.ParamGroups[0].Params)
				// First Adam step moves values by ~learning rate.
				assert.InDelta(t, 0.49, must.M1(module.Materialize(msd["enc.a"]))[0], 1e-6)
				assert.Equal(t, int64(1), osd.State[optimizers.FQNKey("enc.sub.c")][optimizers.StateStep])

				dst := buildModel(w)
				dstOpt := optimizers.Adam().LearningRate(0.01).Done(dst.Parameters()...)
				require.NoError(t, LoadState(dst, []optimizers.Interface{dstOpt}, msd, osd, false, false, options))
				msd2, osd2, err := ProduceState(dst, []optimizers.Interface{dstOpt}, false, false, options)
				require.NoError(t, err)
				requireSameState(t, msd, msd2, osd, osd2)
			})
		}
	}
}

func TestCrossWrapping(t *testing.T) {
	for _, pair := range [][2]wrapping{{replicaShard, noWrapping}, {noWrapping, sharded}, {sharded, replica}} {
		t.Run(fmt.Sprintf("%s->%s", pair[0], pair[1]), func(t *testing.T) {
			src := buildModel(pair[0])
			srcOpt := optimizers.StochasticGradientDescent().Momentum(0.9).Done(src.Parameters()...)
			train(t, src, srcOpt)
			msd, osd := must.M2(Build(src).Optimizers(srcOpt).Produce())

			dst := buildModel(pair[1])
			dstOpt := optimizers.StochasticGradientDescent().Momentum(0.9).Done(dst.Parameters()...)
			require.NoError(t, Build(dst).Optimizers(dstOpt).Load(msd, osd))
			msd2, osd2 := must.M2(Build(dst).Optimizers(dstOpt).Produce())
			requireSameState(t, msd, msd2, osd, osd2)

			// Both continue training identically.
			train(t, src, srcOpt)
			train(t, dst, dstOpt)
			msd, _ = must.M2(Build(src).ModelOnly().Produce())
			msd2, _ = must.M2(Build(dst).ModelOnly().Produce())
			for key, value := range msd {
				assertSameValue(t, value, msd2[key], "after training, %q", key)
			}
		})
	}
}

func TestFrozenParams(t *testing.T) {
	// Frozen parameter outside and inside (flattened) shard wrappers.
	frozenEnc := newEncoder()
	for _, p := range frozenEnc.Parameters() {
		p.Frozen()
	}
	model := module.New().
		AddChild("enc", must.M1(shard.Wrap(frozenEnc))).
		AddChild("head", newHead(nil))
	b := Build(model).SaveFormat(module.FullStateDict).SkipFrozenParams().ModelOnly()
	msd, _ := must.M2(b.Produce())
	assert.Equal(t, []string{"enc.steps", "head.count", "head.w"}, msd.Keys())
	msdAgain, _ := must.M2(b.Produce())
	assert.Equal(t, msd.Keys(), msdAgain.Keys(), "filtering is idempotent")

	// Loading leaves the frozen parameters alone.
	head, _ := model.Child("head")
	bias, _ := head.Param("bias")
	bias.Value = []float64{42}
	msd["head.w"] = []float64{4, 3, 2, 1}
	require.NoError(t, b.Load(msd, nil))
	assert.Equal(t, []float64{42}, bias.Value)
	w, _ := head.Param("w")
	assert.Equal(t, []float64{4, 3, 2, 1}, w.Value)

	// With the default options frozen parameters are saved.
	msd, _ = must.M2(Build(model).SaveFormat(module.FullStateDict).ModelOnly().Produce())
	assert.Equal(t, canonicalKeys, msd.Keys())
}

func TestFrozenParamsFilter(t *testing.T) {
	for _, w := range allWrappings {
		for _, format := range []module.StateDictType{module.FullStateDict, module.ShardedStateDict} {
			t.Run(fmt.Sprintf("%s/%s", w, format), func(t *testing.T) {
				model := buildModel(w)
				all, _ := must.M2(Build(model).SaveFormat(format).ModelOnly().Produce())
				filtered, _ := must.M2(Build(model).SaveFormat(format).SkipFrozenParams().ModelOnly().Produce())

				index := must.M1(fqn.BuildIndex(model))
				want := all.Clone()
				for _, p := range index.Params() {
					if !p.RequiresGrad {
						for _, name := range index.FQNs(p) {
							delete(want, name)
						}
					}
				}
				require.NotEqual(t, len(all), len(want), "the model has frozen parameters")
				require.Equal(t, want.Keys(), filtered.Keys())
				for key, value := range want {
					assertSameValue(t, value, filtered[key], "model state %q", key)
				}
			})
		}
	}
}
