package main

import (
	"github.com/gomlx/statedict/pkg/core/distributed"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Wrappings of the demo model accepted by -wrap.
var wrappings = []string{"none", "replica", "shard", "replica_shard", "tp"}

// buildDemoModel builds a small encoder/decoder model, wrapped as requested. The "embed" table is frozen.
func buildDemoModel(wrap string, numDevices int) (*module.Node, error) {
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{module.ShardAxisName})
	if err != nil {
		return nil, err
	}
	embed := module.New().AddParam("table", module.NewParameter(ramp(16, 0.01)).Frozen())
	newNorm := func(size int) *module.Node {
		return module.New().
			AddParam("scale", module.NewParameter(ramp(size, 1))).
			AddBuffer("running_mean", make([]float64, size))
	}
	newBlock := func(size int) *module.Node {
		return module.New().
			AddParam("weights", module.NewParameter(ramp(size*size, 0.1))).
			AddParam("bias", module.NewParameter(ramp(size, -0.1))).
			AddChild("norm", newNorm(size))
	}
	enc, dec := newBlock(4), newBlock(3)

	switch wrap {
	case "none", "replica":
	case "shard", "replica_shard":
		if enc, err = shard.Wrap(enc, shard.WithMesh(mesh)); err != nil {
			return nil, err
		}
		if dec, err = shard.Wrap(dec, shard.WithMesh(mesh)); err != nil {
			return nil, err
		}
	case "tp":
		tpMesh := must.M1(distributed.NewDeviceMesh([]int{numDevices}, []string{"tp"}))
		spec := distributed.NewShardSpec("tp")
		dec = module.NewTensorParallel().
			AddParam("weights", module.NewParameter(must.M1(distributed.ShardTensor(ramp(9, 0.1), tpMesh, spec)))).
			AddParam("bias", module.NewParameter(must.M1(distributed.ShardTensor(ramp(3, -0.1), tpMesh, spec)))).
			AddChild("norm", newNorm(3))
		if enc, err = shard.Wrap(enc, shard.WithMesh(mesh)); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown wrapping %q, valid values are %q", wrap, wrappings)
	}
	root := module.New().AddChild("embed", embed).AddChild("enc", enc).AddChild("dec", dec)
	if wrap == "replica" || wrap == "replica_shard" {
		root = module.Replicate(root)
	}
	return root, nil
}

// newOptimizer creates the optimizer selected by -optimizer over the parameters of the model.
func newOptimizer(name string, model *module.Node) (optimizers.Interface, error) {
	switch name {
	case "sgd":
		return optimizers.StochasticGradientDescent().Momentum(0.9).Done(model.Parameters()...), nil
	case "adam":
		return optimizers.Adam().Done(model.Parameters()...), nil
	}
	return nil, errors.Errorf("unknown optimizer %q, valid values are \"sgd\" or \"adam\"", name)
}

// trainStep takes one optimizer step, with gradients proportional to the parameter values.
func trainStep(model *module.Node, opt optimizers.Interface) error {
	for _, p := range model.Parameters() {
		if p.RequiresGrad {
			p.Grad = module.CloneValue(p.Value)
		}
	}
	if err := opt.Step(); err != nil {
		return err
	}
	opt.ZeroGrad(true)
	return nil
}

func ramp(size int, scale float64) []float64 {
	values := make([]float64, size)
	for i := range values {
		values[i] = scale * float64(i+1)
	}
	return values
}
