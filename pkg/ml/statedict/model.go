// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"strings"

	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// extractModelState returns the model state dict keyed by canonical FQNs.
func extractModelState(root *module.Node, policy *Policy, index *fqn.Index) (module.StateDict, error) {
	var native module.StateDict
	err := policy.withContext(root, func() (err error) {
		native, err = root.StateDict()
		return
	})
	if err != nil {
		return nil, err
	}

	canonical := make(module.StateDict, len(native))
	numRekeyed := 0
	for _, key := range native.Keys() {
		fqns, err := fqn.Resolve(root, key, true)
		if err != nil {
			return nil, err
		}
		if len(fqns) != 1 {
			return nil, errors.Wrapf(ErrStateShape, "native key %q resolves to %q, the shard wrappers saved their flat parameters",
				key, fqns)
		}
		name := fqns[0]
		if name != key {
			if !onlyReplicaSlotsDiffer(key, name) {
				return nil, errors.Wrapf(ErrStateShape, "unexpected key %q, its canonical name is %q", key, name)
			}
			klog.V(2).Infof("statedict: %q -> %q", key, name)
			numRekeyed++
		}
		if _, found := canonical[name]; found {
			return nil, errors.Wrapf(ErrStateShape, "native key %q duplicates the canonical name %q", key, name)
		}
		canonical[name] = native[key]
	}

	numFrozen := 0
	if !policy.Options.SaveFrozenParams {
		for _, p := range index.Params() {
			if p.RequiresGrad {
				continue
			}
			for _, name := range index.FQNs(p) {
				delete(canonical, name)
				numFrozen++
			}
		}
	}
	klog.V(1).Infof("statedict: model state with %d entries (%d renamed, %d frozen dropped)",
		len(canonical), numRekeyed, numFrozen)
	return canonical, nil
}

// onlyReplicaSlotsDiffer returns whether key is name with extra replica wrapper slots inserted.
func onlyReplicaSlotsDiffer(key, name string) bool {
	if len(name) >= len(key) {
		return false
	}
	nameParts := strings.Split(name, module.Separator)
	keyParts := strings.Split(key, module.Separator)
	nameIdx := 0
	for keyIdx, part := range keyParts {
		switch {
		case part == nameParts[nameIdx]:
			nameIdx++
			if nameIdx == len(nameParts) {
				return keyIdx == len(keyParts)-1
			}
		case part == module.ReplicaChildName:
			continue
		default:
			return false
		}
	}
	return false
}

// loadModelState loads sd, keyed by canonical FQNs, into the model. sd is not modified.
func loadModelState(root *module.Node, sd module.StateDict, policy *Policy, index *fqn.Index) error {
	sd = sd.Clone()
	var names []string
	for _, np := range root.NamedParameters() {
		names = append(names, np.Name)
	}
	for _, nb := range root.NamedBuffers() {
		names = append(names, nb.Name)
	}
	for _, name := range names {
		fqns, err := fqn.Resolve(root, name, true)
		if err != nil {
			return err
		}
		withPrefix, err := fqn.Resolve(root, name, false)
		if err != nil {
			return err
		}
		for i := range fqns {
			if fqns[i] == withPrefix[i] {
				continue
			}
			if value, found := sd[fqns[i]]; found {
				delete(sd, fqns[i])
				sd[withPrefix[i]] = value
				klog.V(2).Infof("statedict: loading %q as %q", fqns[i], withPrefix[i])
			}
		}
	}

	return policy.withContext(root, func() error {
		if !policy.Options.SaveFrozenParams {
			if err := keepFrozenParams(root, sd, index); err != nil {
				return err
			}
		}
		return root.LoadStateDict(sd)
	})
}

// keepFrozenParams fills in sd the entries of frozen parameters that are missing, with their current values,
// so they are left unchanged by the load.
func keepFrozenParams(root *module.Node, sd module.StateDict, index *fqn.Index) error {
	current, err := root.StateDict()
	if err != nil {
		return err
	}
	numKept := 0
	for _, p := range index.Params() {
		if p.RequiresGrad {
			continue
		}
		withPrefix, err := fqn.Resolve(root, index.NativeName(p), false)
		if err != nil {
			return err
		}
		for _, name := range withPrefix {
			if _, found := sd[name]; found {
				continue
			}
			if value, found := current[name]; found {
				sd[name] = value
				numKept++
			}
		}
	}
	klog.V(2).Infof("statedict: %d frozen entries keep their current values", numKept)
	return nil
}
