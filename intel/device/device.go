// Copyright (C) 2019 Valve Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package device resolves Intel GPU PCI ids to the device properties the
// AUB codec needs: hardware generation, addressing width and the
// simulator platform identifier recorded in trace headers.
package device

import (
	"strings"

	"github.com/pkg/errors"
)

// Info describes one GPU. Immutable once resolved from a hardware id.
type Info struct {
	// Name is the short platform name (skl, bdw, ...).
	Name string
	// Gen is the hardware generation number.
	Gen int
	// SimulatorID identifies the platform to the simulator. Only
	// meaningful for gen8+ (the paged dialect); zero otherwise.
	SimulatorID int
	// PCIID is the id the Info was resolved from.
	PCIID uint32
}

// AddrBits returns the virtual addressing width of the device.
func (i Info) AddrBits() int {
	if i.Gen >= 8 {
		return 48
	}
	return 32
}

// UsesExeclists reports whether the device submits through execlists,
// which selects the paged ("memtrace") container dialect.
func (i Info) UsesExeclists() bool { return i.Gen >= 8 }

type platform struct {
	name        string
	gen         int
	simulatorID int
	ids         []uint32
}

// One representative set of ids per platform. The capture shim only needs
// enough coverage to classify the device; the full per-sku tables live in
// the kernel and in gen_device_info.
var platforms = []platform{
	{"ivb", 7, 0, []uint32{0x0156, 0x0166, 0x015a, 0x016a}},
	{"byt", 7, 0, []uint32{0x0f31, 0x0f32, 0x0f33, 0x0157}},
	{"hsw", 7, 0, []uint32{0x0416, 0x0426, 0x0d26, 0x0a16}},
	{"bdw", 8, 11, []uint32{0x1616, 0x1622, 0x162a, 0x1626}},
	{"chv", 8, 13, []uint32{0x22b0, 0x22b1, 0x22b2, 0x22b3}},
	{"skl", 9, 12, []uint32{0x1902, 0x1912, 0x1916, 0x191b, 0x1926}},
	{"bxt", 9, 14, []uint32{0x0a84, 0x1a84, 0x5a84, 0x5a85}},
	{"kbl", 9, 16, []uint32{0x5902, 0x5912, 0x5916, 0x591b, 0x5926}},
	{"cfl", 9, 24, []uint32{0x3e90, 0x3e92, 0x3e9b, 0x3ea5}},
	{"icl", 11, 19, []uint32{0x8a50, 0x8a51, 0x8a52, 0x8a5a}},
	{"tgl", 12, 22, []uint32{0x9a40, 0x9a49, 0x9a60, 0x9a78}},
}

// Lookup resolves a PCI device id.
func Lookup(pciID uint32) (Info, error) {
	for _, p := range platforms {
		for _, id := range p.ids {
			if id == pciID {
				return Info{Name: p.name, Gen: p.gen, SimulatorID: p.simulatorID, PCIID: pciID}, nil
			}
		}
	}
	return Info{}, errors.Errorf("failed to identify chipset=0x%x", pciID)
}

// ByName resolves a short platform name (as accepted by the decoder's
// --gen option) to a representative PCI id.
func ByName(name string) (Info, error) {
	name = strings.ToLower(name)
	for _, p := range platforms {
		if p.name == name {
			return Info{Name: p.name, Gen: p.gen, SimulatorID: p.simulatorID, PCIID: p.ids[0]}, nil
		}
	}
	return Info{}, errors.Errorf("unknown platform %q, expected one of %s", name, names())
}

func names() string {
	n := make([]string, len(platforms))
	for i, p := range platforms {
		n[i] = p.name
	}
	return strings.Join(n, ", ")
}
