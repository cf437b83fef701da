// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/statedict/pkg/ml/module"
	"gonum.org/v1/gonum/floats"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	ParamBeta1   = "beta1"
	ParamBeta2   = "beta2"
	ParamEpsilon = "epsilon"

	// StateExpAvg and StateExpAvgSq are the names of the first and second moment states.
	StateExpAvg   = "exp_avg"
	StateExpAvgSq = "exp_avg_sq"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done with
// the parameters to optimize.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create the optimizer.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW.
}

// LearningRate sets the base learning rate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct the optimizer with one parameter group holding params.
// More groups can be added with Optimizer.AddParamGroup.
func (c *AdamConfig) Done(params ...*module.Parameter) *Optimizer {
	defaults := map[string]any{
		ParamLearningRate: c.learningRate,
		ParamBeta1:        c.beta1,
		ParamBeta2:        c.beta2,
		ParamEpsilon:      c.epsilon,
		ParamWeightDecay:  c.weightDecay,
	}
	o := newOptimizer("Adam", defaults, adamUpdate)
	if len(params) > 0 {
		o.AddParamGroup(params, nil)
	}
	return o
}

func adamUpdate(p *module.Parameter, grad any, state ParamState, options map[string]any) error {
	var lr, beta1, beta2, epsilon, weightDecay float64
	for _, hp := range []struct {
		name         string
		value        *float64
		defaultValue float64
	}{
		{ParamLearningRate, &lr, AdamDefaultLearningRate},
		{ParamBeta1, &beta1, 0.9},
		{ParamBeta2, &beta2, 0.999},
		{ParamEpsilon, &epsilon, 1e-7},
		{ParamWeightDecay, &weightDecay, 0},
	} {
		var err error
		*hp.value, err = optionOr(options, hp.name, hp.defaultValue)
		if err != nil {
			return err
		}
	}

	step, _ := state[StateStep].(int64)
	step++
	state[StateStep] = step
	expAvg, found := state[StateExpAvg]
	if !found {
		expAvg = module.ZerosLike(p.Value)
		state[StateExpAvg] = expAvg
	}
	expAvgSq, found := state[StateExpAvgSq]
	if !found {
		expAvgSq = module.ZerosLike(p.Value)
		state[StateExpAvgSq] = expAvgSq
	}

	debias1 := 1 - math.Pow(beta1, float64(step))
	debias2 := 1 - math.Pow(beta2, float64(step))
	return forEachShard(func(shards ...[]float64) {
		value, g, m1, m2 := shards[0], shards[1], shards[2], shards[3]
		if weightDecay != 0 {
			floats.AddScaled(value, -lr*weightDecay, value)
		}
		floats.Scale(beta1, m1)
		floats.AddScaled(m1, 1-beta1, g)
		floats.Scale(beta2, m2)
		for i, gi := range g {
			m2[i] += (1 - beta2) * gi * gi
		}
		for i := range value {
			value[i] -= lr * (m1[i] / debias1) / (math.Sqrt(m2[i]/debias2) + epsilon)
		}
	}, p.Value, grad, expAvg, expAvgSq)
}
