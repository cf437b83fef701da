// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"slices"

	"github.com/gomlx/statedict/pkg/ml/module"
	"gonum.org/v1/gonum/floats"
)

const (
	// SGDDefaultLearningRate is used by SGD if no learning rate is set.
	SGDDefaultLearningRate = 0.1

	// ParamMomentum is the hyperparameter name of the SGD momentum.
	ParamMomentum = "momentum"

	// StateMomentumBuffer is the name of the per-parameter SGD momentum state.
	StateMomentumBuffer = "momentum_buffer"
)

// SGDConfig holds the configuration for stochastic gradient descent, create it with StochasticGradientDescent.
type SGDConfig struct {
	learningRate, momentum, weightDecay float64
}

// StochasticGradientDescent returns a configuration object for an SGD optimizer, with optional momentum.
// Once configured call Done with the parameters to optimize.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// LearningRate sets the default learning rate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the default momentum. Zero (the default) disables it.
func (c *SGDConfig) Momentum(value float64) *SGDConfig {
	c.momentum = value
	return c
}

// WeightDecay sets the default L2 penalty, added to the gradient.
func (c *SGDConfig) WeightDecay(value float64) *SGDConfig {
	c.weightDecay = value
	return c
}

// Done creates the optimizer with one parameter group holding params.
// More groups can be added with Optimizer.AddParamGroup.
func (c *SGDConfig) Done(params ...*module.Parameter) *Optimizer {
	defaults := map[string]any{
		ParamLearningRate: c.learningRate,
		ParamMomentum:     c.momentum,
		ParamWeightDecay:  c.weightDecay,
	}
	o := newOptimizer("SGD", defaults, sgdUpdate)
	if len(params) > 0 {
		o.AddParamGroup(params, nil)
	}
	return o
}

func sgdUpdate(p *module.Parameter, grad any, state ParamState, options map[string]any) error {
	lr, err := optionOr(options, ParamLearningRate, SGDDefaultLearningRate)
	if err != nil {
		return err
	}
	momentum, err := optionOr(options, ParamMomentum, 0)
	if err != nil {
		return err
	}
	weightDecay, err := optionOr(options, ParamWeightDecay, 0)
	if err != nil {
		return err
	}

	step, _ := state[StateStep].(int64)
	state[StateStep] = step + 1
	var buffer any
	if momentum != 0 {
		var found bool
		buffer, found = state[StateMomentumBuffer]
		if !found {
			buffer = module.ZerosLike(p.Value)
			state[StateMomentumBuffer] = buffer
		}
	}
	return forEachShard(func(shards ...[]float64) {
		value := shards[0]
		direction := slices.Clone(shards[1])
		if weightDecay != 0 {
			floats.AddScaled(direction, weightDecay, value)
		}
		if momentum != 0 {
			buf := shards[2]
			if step == 0 {
				copy(buf, direction)
			} else {
				floats.Scale(momentum, buf)
				floats.Add(buf, direction)
			}
			direction = buf
		}
		floats.AddScaled(value, -lr, direction)
	}, withBuffer(buffer, p.Value, grad)...)
}

// withBuffer appends the optional buffer to the values.
func withBuffer(buffer any, values ...any) []any {
	if buffer == nil {
		return values
	}
	return append(values, buffer)
}
