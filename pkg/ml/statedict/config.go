// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/pkg/errors"
)

// Config of a ProduceState or LoadState call. It is created with Build and configured with the
// various methods. Once configured, call Produce or Load.
type Config struct {
	model  *module.Node
	optims []optimizers.Interface

	modelOnly, optimOnly bool
	options              *Options

	err error
}

// Build a configuration to produce or load the state of model.
//
// By default, the state of model and of the optimizers given with Config.Optimizers is handled,
// using DefaultOptions.
func Build(model *module.Node) *Config {
	c := &Config{model: model, options: DefaultOptions()}
	if model == nil {
		c.setError(errors.Wrap(ErrConfiguration, "statedict.Build() requires a model"))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Optimizers adds optimizers whose state is handled. It can be called multiple times.
func (c *Config) Optimizers(optims ...optimizers.Interface) *Config {
	c.optims = append(c.optims, optims...)
	return c
}

// ModelOnly handles only the model state.
func (c *Config) ModelOnly() *Config {
	c.modelOnly = true
	return c
}

// OptimOnly handles only the optimizers state.
func (c *Config) OptimOnly() *Config {
	c.optimOnly = true
	return c
}

// WithOptions replaces the options. A copy is kept, later changes to options have no effect.
func (c *Config) WithOptions(options *Options) *Config {
	if options == nil {
		c.setError(errors.Wrap(ErrConfiguration, "nil options"))
		return c
	}
	copied := *options
	c.options = &copied
	return c
}

// SaveFormat sets Options.SaveFormat.
func (c *Config) SaveFormat(format module.StateDictType) *Config {
	c.options.SaveFormat = format
	return c
}

// SkipFrozenParams sets Options.SaveFrozenParams to false.
func (c *Config) SkipFrozenParams() *Config {
	c.options.SaveFrozenParams = false
	return c
}

// Produce calls ProduceState with the configuration.
func (c *Config) Produce() (module.StateDict, *optimizers.StateDict, error) {
	if c.err != nil {
		return nil, nil, c.err
	}
	return ProduceState(c.model, c.optims, c.modelOnly, c.optimOnly, c.options)
}

// Load calls LoadState with the configuration.
func (c *Config) Load(msd module.StateDict, osd *optimizers.StateDict) error {
	if c.err != nil {
		return c.err
	}
	return LoadState(c.model, c.optims, msd, osd, c.modelOnly, c.optimOnly, c.options)
}
