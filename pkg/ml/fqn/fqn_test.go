// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fqn_test

import (
	"testing"

	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/shard"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEncoder returns a module with parameters "a", "b" and "sub.c".
func buildEncoder() *module.Node {
	sub := module.New().AddParam("c", module.NewParameter([]float64{5, 6, 7}))
	return module.New().
		AddParam("a", module.NewParameter([]float64{1})).
		AddParam("b", module.NewParameter([]float64{2, 3})).
		AddChild("sub", sub)
}

func TestResolvePlain(t *testing.T) {
	root := module.New().AddChild("enc", buildEncoder()).AddBuffer("steps", []float64{0})
	for _, name := range []string{"enc.a", "enc.sub.c", "enc.sub"} {
		assert.Equal(t, []string{name}, must.M1(fqn.Resolve(root, name, true)))
	}
	// Names without separators are not looked up.
	assert.Equal(t, []string{"steps"}, must.M1(fqn.Resolve(root, "steps", true)))
	assert.Equal(t, []string{"missing"}, must.M1(fqn.Resolve(root, "missing", true)))

	for _, name := range []string{"enc.x", "enc.sub.x.y", "dec.a"} {
		_, err := fqn.Resolve(root, name, true)
		require.Error(t, err, "name %q", name)
		assert.True(t, errors.Is(err, fqn.ErrLookup))
		assert.Contains(t, err.Error(), name)
	}
}

func TestResolveReplica(t *testing.T) {
	root := module.Replicate(module.New().AddChild("enc", buildEncoder()))
	assert.Equal(t, []string{"enc.sub.c"}, must.M1(fqn.Resolve(root, "module.enc.sub.c", true)))
	assert.Equal(t, []string{"module.enc.sub.c"}, must.M1(fqn.Resolve(root, "module.enc.sub.c", false)))

	_, err := fqn.Resolve(root, "enc.sub.c", true)
	assert.True(t, errors.Is(err, fqn.ErrLookup), "replica wrappers require their slot name")
}

func TestResolveFlatParameter(t *testing.T) {
	encShard := must.M1(shard.Wrap(buildEncoder()))
	root := module.Replicate(module.New().AddChild("enc", encShard))

	flatName := "module.enc._shard_wrapped_module._flat_param"
	assert.Equal(t, []string{"enc.a", "enc.b", "enc.sub.c"}, must.M1(fqn.Resolve(root, flatName, true)))
	assert.Equal(t, []string{"module.enc.a", "module.enc.b", "module.enc.sub.c"},
		must.M1(fqn.Resolve(root, flatName, false)))

	// Original names are still resolvable, with or without the shard wrapper slot.
	assert.Equal(t, []string{"enc.sub.c"}, must.M1(fqn.Resolve(root, "module.enc.sub.c", true)))
	assert.Equal(t, []string{"enc.b"}, must.M1(fqn.Resolve(root, "module.enc._shard_wrapped_module.b", true)))
	_, err := fqn.Resolve(root, "module.enc.sub.d", true)
	assert.True(t, errors.Is(err, fqn.ErrLookup))
}

func TestIndex(t *testing.T) {
	encShard := must.M1(shard.Wrap(buildEncoder()))
	head := module.NewParameter([]float64{9})
	root := module.Replicate(module.New().
		AddChild("enc", encShard).
		AddChild("head", module.New().AddParam("w", head)))

	idx := must.M1(fqn.BuildIndex(root))
	require.Equal(t, 2, idx.Len())
	flat, found := encShard.Wrapped().Param(module.FlatParamName)
	require.True(t, found)
	assert.Equal(t, []*module.Parameter{flat, head}, idx.Params())

	assert.Equal(t, []string{"enc.a", "enc.b", "enc.sub.c"}, idx.FQNs(flat))
	assert.Equal(t, "module.enc._shard_wrapped_module._flat_param", idx.NativeName(flat))
	for _, name := range idx.FQNs(flat) {
		p, found := idx.Param(name)
		assert.True(t, found)
		assert.Same(t, flat, p, "%q should resolve back to the flat parameter", name)
	}
	id, found := idx.ID(head)
	assert.True(t, found)
	assert.Equal(t, 1, id)
	assert.Equal(t, []string{"head.w"}, idx.FQNs(head))
	assert.Equal(t, "module.head.w", idx.NativeName(head))

	// Parameters not in the tree.
	other := module.NewParameter([]float64{0})
	assert.Nil(t, idx.FQNs(other))
	_, found = idx.ID(other)
	assert.False(t, found)
	_, found = idx.Param("head.x")
	assert.False(t, found)
}

func TestIndexTiedParameters(t *testing.T) {
	tied := module.NewParameter([]float64{1})
	root := module.New().
		AddChild("enc", module.New().AddParam("w", tied)).
		AddChild("dec", module.New().AddParam("w", tied))
	idx := must.M1(fqn.BuildIndex(root))
	require.Equal(t, 1, idx.Len())
	assert.Equal(t, []string{"enc.w"}, idx.FQNs(tied))
}
