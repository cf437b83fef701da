// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceMesh is the logical topology of the devices (ranks) a value is distributed over: a grid with named axes.
//
// Devices are numbered in row-major order over the axes: the last axis varies fastest.
type DeviceMesh struct {
	axes       []string
	sizes      []int
	axisIndex  map[string]int
	numDevices int
}

// IsNameValid checks whether a name is a valid mesh axis name: an ASCII letter followed by letters,
// digits or underscores.
func IsNameValid(name string) bool {
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a mesh with one axis per element of sizes, named by the corresponding element of axes.
func NewDeviceMesh(sizes []int, axes []string) (*DeviceMesh, error) {
	if len(sizes) != len(axes) {
		return nil, errors.Errorf("device mesh needs one name per axis, got %d sizes and %d names", len(sizes), len(axes))
	}
	if len(sizes) == 0 {
		return nil, errors.New("device mesh needs at least one axis")
	}
	m := &DeviceMesh{
		axes:       slices.Clone(axes),
		sizes:      slices.Clone(sizes),
		axisIndex:  make(map[string]int, len(axes)),
		numDevices: 1,
	}
	for i, name := range m.axes {
		if !IsNameValid(name) {
			return nil, errors.Errorf("device mesh axis #%d has invalid name %q", i, name)
		}
		if _, found := m.axisIndex[name]; found {
			return nil, errors.Errorf("device mesh axis %q is duplicated", name)
		}
		if m.sizes[i] <= 0 {
			return nil, errors.Errorf("device mesh axis %q has invalid size %d", name, m.sizes[i])
		}
		m.axisIndex[name] = i
		m.numDevices *= m.sizes[i]
	}
	return m, nil
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// AxisSize returns the number of devices along the given axis.
func (m *DeviceMesh) AxisSize(axis string) (int, error) {
	idx, found := m.axisIndex[axis]
	if !found {
		return 0, errors.Errorf("%s has no axis %q", m, axis)
	}
	return m.sizes[idx], nil
}

// Coordinate returns the position of device along the given axis.
func (m *DeviceMesh) Coordinate(device int, axis string) (int, error) {
	idx, found := m.axisIndex[axis]
	if !found {
		return 0, errors.Errorf("%s has no axis %q", m, axis)
	}
	if device < 0 || device >= m.numDevices {
		return 0, errors.Errorf("device %d out of range for %s", device, m)
	}
	for i := len(m.sizes) - 1; i > idx; i-- {
		device /= m.sizes[i]
	}
	return device % m.sizes[idx], nil
}

// Equal returns whether both meshes have the same axes.
func (m *DeviceMesh) Equal(other *DeviceMesh) bool {
	if m == nil || other == nil {
		return m == other
	}
	return slices.Equal(m.axes, other.axes) && slices.Equal(m.sizes, other.sizes)
}

// String implements fmt.Stringer.
func (m *DeviceMesh) String() string {
	parts := make([]string, len(m.axes))
	for i, name := range m.axes {
		parts[i] = fmt.Sprintf("%s: %d", name, m.sizes[i])
	}
	return "DeviceMesh{" + strings.Join(parts, ", ") + "}"
}
