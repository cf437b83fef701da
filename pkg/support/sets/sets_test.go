// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Empty(t, s)

	s.Insert("enc.weight", "enc.bias", "enc.weight")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("enc.weight"))
	assert.False(t, s.Has("dec.weight"))
	assert.Equal(t, []string{"enc.bias", "enc.weight"}, Sorted(s))
	assert.Empty(t, Sorted(Make[int]()))
}
