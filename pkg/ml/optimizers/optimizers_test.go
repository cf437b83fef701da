// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGD(t *testing.T) {
	w := module.NewParameter([]float64{1, 2})
	frozen := module.NewParameter([]float64{5}).Frozen()
	opt := StochasticGradientDescent().LearningRate(0.5).Done(w, frozen)
	assert.False(t, opt.Initialized())

	w.Grad = []float64{1, -2}
	frozen.Grad = []float64{1}
	require.NoError(t, opt.Step())
	assert.Equal(t, []float64{0.5, 3}, w.Value)
	assert.Equal(t, []float64{5}, frozen.Value, "frozen parameters are not updated")
	assert.Equal(t, []float64{1, -2}, w.Grad, "gradients are not changed by Step")
	assert.True(t, opt.Initialized())
	assert.Equal(t, int64(1), opt.State(w)[StateStep])
	assert.Nil(t, opt.State(frozen))

	opt.ZeroGrad(false)
	assert.Equal(t, []float64{0, 0}, w.Grad)
	opt.ZeroGrad(true)
	assert.Nil(t, w.Grad)
}

func TestSGDMomentum(t *testing.T) {
	w := module.NewParameter([]float64{0})
	opt := StochasticGradientDescent().LearningRate(1).Momentum(0.5).Done(w)
	for range 2 {
		w.Grad = []float64{1}
		require.NoError(t, opt.Step())
	}
	// buf: 1, then 0.5*1+1 = 1.5; value: -1, then -2.5
	assert.InDelta(t, -2.5, w.Value.([]float64)[0], 1e-9)
	assert.Equal(t, []float64{1.5}, opt.State(w)[StateMomentumBuffer])
}

func TestAdamDistributed(t *testing.T) {
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"model"}))
	value := must.M1(distributed.ShardTensor([]float64{1, 2, 3, 4}, mesh, distributed.NewShardSpec("model")))
	w := module.NewParameter(value)
	opt := Adam().LearningRate(0.1).Done(w)

	w.Grad = must.M1(distributed.ShardTensor([]float64{1, 1, -1, -1}, mesh, distributed.NewShardSpec("model")))
	require.NoError(t, opt.Step())
	state := opt.State(w)
	require.IsType(t, &distributed.Tensor{}, state[StateExpAvg])
	assert.InDeltaSlice(t, []float64{0.1, 0.1, -0.1, -0.1}, state[StateExpAvg].(*distributed.Tensor).Merge(), 1e-9)
	// First Adam step moves each value by ~lr in the direction opposite to the gradient.
	assert.InDeltaSlice(t, []float64{0.9, 1.9, 3.1, 4.1}, value.Merge(), 1e-5)

	// Mixing representations is an error.
	w.Grad = []float64{1, 1, 1, 1}
	require.Error(t, opt.Step())
}

func TestStateDictRoundTrip(t *testing.T) {
	a := module.NewParameter([]float64{1, 2})
	b := module.NewParameter([]float64{3})
	c := module.NewParameter([]float64{4, 5, 6})
	opt := Adam().Done(a, b)
	opt.AddParamGroup([]*module.Parameter{c}, map[string]any{ParamLearningRate: 0.01})
	for _, p := range []*module.Parameter{a, b, c} {
		p.Grad = module.ZerosLike(p.Value)
		p.Grad.([]float64)[0] = 1
	}
	require.NoError(t, opt.Step())

	sd, err := opt.StateDict()
	require.NoError(t, err)
	require.Len(t, sd.ParamGroups, 2)
	assert.Equal(t, []ParamKey{IDKey(0), IDKey(1)}, sd.ParamGroups[0].Params)
	assert.Equal(t, []ParamKey{IDKey(2)}, sd.ParamGroups[1].Params)
	assert.Equal(t, 0.01, sd.ParamGroups[1].Options[ParamLearningRate])
	assert.Len(t, sd.State, 3)

	// Rekey by FQN, as a canonical state dict would, and load into a fresh optimizer.
	names := map[ParamKey]string{IDKey(0): "enc.a", IDKey(1): "enc.b", IDKey(2): "head.c"}
	byName := NewStateDict()
	for key, state := range sd.State {
		byName.State[FQNKey(names[key])] = state
	}
	for _, group := range sd.ParamGroups {
		g := &GroupState{Options: group.Options}
		for _, key := range group.Params {
			g.Params = append(g.Params, FQNKey(names[key]))
		}
		byName.ParamGroups = append(byName.ParamGroups, g)
	}

	a2 := module.NewParameter([]float64{0, 0})
	b2 := module.NewParameter([]float64{0})
	c2 := module.NewParameter([]float64{0, 0, 0})
	opt2 := Adam().Done(a2, b2)
	opt2.AddParamGroup([]*module.Parameter{c2}, nil)
	require.NoError(t, opt2.LoadStateDict(byName))
	sd2, err := opt2.StateDict()
	require.NoError(t, err)
	assert.True(t, sd.Equal(sd2))

	// Loaded state is a copy.
	byName.State[FQNKey("enc.a")][StateExpAvg].([]float64)[0] = 1000
	assert.NotEqual(t, 1000.0, opt2.State(a2)[StateExpAvg].([]float64)[0])
}

func TestLoadStateDictErrors(t *testing.T) {
	a := module.NewParameter([]float64{1, 2})
	opt := StochasticGradientDescent().Done(a)

	sd := NewStateDict()
	require.Error(t, opt.LoadStateDict(sd), "wrong number of groups")

	sd.ParamGroups = []*GroupState{{Params: FQNKeys("a", "b")}}
	require.Error(t, opt.LoadStateDict(sd), "wrong number of parameters")

	sd.ParamGroups = []*GroupState{{Params: FQNKeys("a")}}
	sd.State[FQNKey("x")] = ParamState{StateStep: int64(1)}
	require.Error(t, opt.LoadStateDict(sd), "state for unknown key")

	delete(sd.State, FQNKey("x"))
	sd.State[FQNKey("a")] = ParamState{StateMomentumBuffer: []float64{1, 2, 3}}
	require.Error(t, opt.LoadStateDict(sd), "state of the wrong size")

	sd.State[FQNKey("a")] = ParamState{StateMomentumBuffer: []float64{1, 2}}
	require.NoError(t, opt.LoadStateDict(sd))
	assert.True(t, opt.Initialized())
}

func TestParamKey(t *testing.T) {
	assert.Equal(t, "#3", IDKey(3).String())
	assert.Equal(t, "enc.w", FQNKey("enc.w").String())
	assert.True(t, FQNKey("x").IsFQN())
	assert.False(t, IDKey(0).IsFQN())
	assert.NotEqual(t, IDKey(0), FQNKey(""))
}
