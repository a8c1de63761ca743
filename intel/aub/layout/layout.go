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

// Package layout carves the fixed region at the bottom of the GPU virtual
// address space into the per-engine ring buffers and hardware context
// areas the encoder initializes up front, and anchors the PPGTT root page
// table just above it.
//
// The layout is load-time constant: [ring][pphwsp + context image] per
// engine, packed from address 0 in render, blitter, video order. Each
// context area is sized to the largest context-save-state block any
// supported generation needs for that engine, so one map serves every
// device.
package layout

import "github.com/ValveSoftware/steamos-mesa/intel/aub"

// Page and static-map sizing.
const (
	PageSize   = 4096
	RingSize   = 1 * PageSize
	PPHWSPSize = 1 * PageSize

	// Per-generation render context-save sizes. Gen9 is the largest
	// known; it sizes the render context area.
	Gen11RenderContextSize = 14 * PageSize
	Gen10RenderContextSize = 19 * PageSize
	Gen9RenderContextSize  = 22 * PageSize
	Gen8RenderContextSize  = 20 * PageSize
	Gen8OtherContextSize   = 2 * PageSize

	RenderContextSize = Gen9RenderContextSize
	OtherContextSize  = Gen8OtherContextSize

	// MemoryMapSize bounds the legacy linear GTT: 64 MiB.
	MemoryMapSize = 64 * 1024 * 1024
	// NumPTEntries is the legacy GTT page count.
	NumPTEntries = MemoryMapSize / PageSize

	PTESize     = 4
	Gen8PTESize = 8
)

// The static GGTT map.
const (
	StaticGGTTMapStart = 0

	RenderRingAddr    = StaticGGTTMapStart
	RenderContextAddr = RenderRingAddr + RingSize

	BlitterRingAddr    = RenderContextAddr + PPHWSPSize + RenderContextSize
	BlitterContextAddr = BlitterRingAddr + RingSize

	VideoRingAddr    = BlitterContextAddr + PPHWSPSize + OtherContextSize
	VideoContextAddr = VideoRingAddr + RingSize

	StaticGGTTMapEnd  = VideoContextAddr + PPHWSPSize + OtherContextSize
	StaticGGTTMapSize = StaticGGTTMapEnd - StaticGGTTMapStart

	// PML4PhysAddr is the first address above the static map; the root
	// of the PPGTT is anchored there.
	PML4PhysAddr = uint64(StaticGGTTMapEnd)
)

// ContextFlags are the low bits of every context descriptor:
// Valid | Legacy Context with 64 bit VA | PPGTT Enabled |
// L3-LLC Coherency | Normal Priority.
const ContextFlags = 0x339

// DescriptorPPGTT is the descriptor bit marking the context as
// PPGTT-addressed.
const DescriptorPPGTT = 0x100

// Context descriptors. The context id sits in the top two bits.
const (
	RenderContextDescriptor  = 1<<62 | RenderContextAddr | ContextFlags
	BlitterContextDescriptor = 2<<62 | BlitterContextAddr | ContextFlags
	VideoContextDescriptor   = 3<<62 | VideoContextAddr | ContextFlags
)

// EngineInfo bundles everything the codec needs to drive one engine: its
// slice of the static map, its context descriptor and its register bank.
type EngineInfo struct {
	Engine      aub.Engine
	RingAddr    uint32
	ContextAddr uint32
	ContextSize uint32
	Descriptor  uint64

	// Register bank.
	HWSPGA     uint32 // hardware status page address register
	GFXMode    uint32
	SubmitPort uint32 // execlist submit port (ELSP)
	SQContents uint32 // execlist submit queue contents (ELSQ)
	Status     uint32
	Control    uint32

	// RingType is the legacy-dialect trace type for command writes to
	// this engine's primary ring.
	RingType uint32
}

func bank(base uint32) (hws, mode, elsp, elsq, status, control uint32) {
	return base + 0x2080, base + 0x229c, base + 0x2230,
		base + 0x2510, base + 0x2234, base + 0x2550
}

var engines = func() [3]EngineInfo {
	render := EngineInfo{
		Engine:      aub.Render,
		RingAddr:    RenderRingAddr,
		ContextAddr: RenderContextAddr,
		ContextSize: RenderContextSize,
		Descriptor:  RenderContextDescriptor,
		RingType:    aub.TraceTypeRingPRB0,
	}
	render.HWSPGA, render.GFXMode, render.SubmitPort,
		render.SQContents, render.Status, render.Control = bank(0x00000)

	video := EngineInfo{
		Engine:      aub.Video,
		RingAddr:    VideoRingAddr,
		ContextAddr: VideoContextAddr,
		ContextSize: OtherContextSize,
		Descriptor:  VideoContextDescriptor,
		RingType:    aub.TraceTypeRingPRB1,
	}
	video.HWSPGA, video.GFXMode, video.SubmitPort,
		video.SQContents, video.Status, video.Control = bank(0x10000)

	blitter := EngineInfo{
		Engine:      aub.Blitter,
		RingAddr:    BlitterRingAddr,
		ContextAddr: BlitterContextAddr,
		ContextSize: OtherContextSize,
		Descriptor:  BlitterContextDescriptor,
		RingType:    aub.TraceTypeRingPRB2,
	}
	blitter.HWSPGA, blitter.GFXMode, blitter.SubmitPort,
		blitter.SQContents, blitter.Status, blitter.Control = bank(0x20000)

	return [3]EngineInfo{render, blitter, video}
}()

// Engines returns the engines in static-map order: render, blitter, video.
func Engines() [3]EngineInfo { return engines }

// ForEngine returns the layout of the given engine.
func ForEngine(e aub.Engine) EngineInfo {
	for _, info := range engines {
		if info.Engine == e {
			return info
		}
	}
	return engines[0]
}
