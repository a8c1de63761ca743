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

package layout_test

import (
	"testing"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/layout"
)

func TestStaticMapIsPacked(t *testing.T) {
	// Each engine's area is [ring][pphwsp + context]; areas must tile the
	// static map with no overlap and no gaps, and the PPGTT root sits
	// immediately above.
	end := uint32(layout.StaticGGTTMapStart)
	for _, info := range layout.Engines() {
		if info.RingAddr != end {
			t.Errorf("%s ring at %#x, want %#x", info.Engine, info.RingAddr, end)
		}
		if info.ContextAddr != info.RingAddr+layout.RingSize {
			t.Errorf("%s context at %#x, want ring+%#x", info.Engine, info.ContextAddr, layout.RingSize)
		}
		end = info.ContextAddr + layout.PPHWSPSize + info.ContextSize
	}
	if end != layout.StaticGGTTMapEnd {
		t.Errorf("static map end %#x, want %#x", end, layout.StaticGGTTMapEnd)
	}
	if layout.PML4PhysAddr != uint64(layout.StaticGGTTMapEnd) {
		t.Errorf("PML4 root %#x, want %#x", layout.PML4PhysAddr, layout.StaticGGTTMapEnd)
	}
}

func TestStaticMapIsPageAligned(t *testing.T) {
	for _, info := range layout.Engines() {
		for name, addr := range map[string]uint32{"ring": info.RingAddr, "context": info.ContextAddr} {
			if addr%layout.PageSize != 0 {
				t.Errorf("%s %s address %#x not page aligned", info.Engine, name, addr)
			}
		}
	}
}

func TestDescriptors(t *testing.T) {
	seen := map[uint64]bool{}
	for _, info := range layout.Engines() {
		if info.Descriptor&layout.ContextFlags != layout.ContextFlags {
			t.Errorf("%s descriptor %#x missing context flags", info.Engine, info.Descriptor)
		}
		if uint32(info.Descriptor)&^0xfff != info.ContextAddr {
			t.Errorf("%s descriptor address %#x, want %#x",
				info.Engine, uint32(info.Descriptor)&^0xfff, info.ContextAddr)
		}
		id := info.Descriptor >> 62
		if id == 0 || seen[id] {
			t.Errorf("%s context id %d not unique and non-zero", info.Engine, id)
		}
		seen[id] = true
		if info.Descriptor&layout.DescriptorPPGTT == 0 {
			t.Errorf("%s descriptor does not mark PPGTT addressing", info.Engine)
		}
	}
}

func TestContextImage(t *testing.T) {
	for _, e := range []aub.Engine{aub.Render, aub.Video, aub.Blitter} {
		info := layout.ForEngine(e)
		img := layout.ContextImage(e)
		if len(img) != int(info.ContextSize/4) {
			t.Fatalf("%s image %d dwords, want %d", e, len(img), info.ContextSize/4)
		}
		if img[layout.ContextRingStartDword] != info.RingAddr {
			t.Errorf("%s image ring start %#x, want %#x",
				e, img[layout.ContextRingStartDword], info.RingAddr)
		}
		if img[layout.ContextRingHeadDword] != 0 || img[layout.ContextRingTailDword] != 0 {
			t.Errorf("%s image head/tail not zero", e)
		}
		pml4 := uint64(img[layout.ContextPDP0HighDword])<<32 | uint64(img[layout.ContextPDP0LowDword])
		if pml4 != layout.PML4PhysAddr {
			t.Errorf("%s image PDP0 = %#x, want %#x", e, pml4, layout.PML4PhysAddr)
		}
	}
}
