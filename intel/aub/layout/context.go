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

package layout

import "github.com/ValveSoftware/steamos-mesa/intel/aub"

// Offsets of the ring registers within the context image, in dwords.
// The image is a MI_LOAD_REGISTER_IMM run, so each register's value sits
// one dword after its offset.
const (
	ContextRingHeadDword  = 5
	ContextRingTailDword  = 7
	ContextRingStartDword = 9
	ContextPDP0HighDword  = 49
	ContextPDP0LowDword   = 51
)

// Context image register offsets relative to the engine's image MMIO base.
const (
	regContextControl    = 0x244
	regRingHead          = 0x034
	regRingTail          = 0x030
	regRingBufferStart   = 0x038
	regRingBufferControl = 0x03c
	regBBHeadU           = 0x168
	regBBHeadL           = 0x140
	regBBState           = 0x110
	regSecondBBHeadU     = 0x11c
	regSecondBBHeadL     = 0x114
	regSecondBBState     = 0x118
	regBBPerCtxPtr       = 0x1c0
	regRCSIndirectCtx    = 0x1c4
	regRCSIndirectCtxOff = 0x1c8
	regCtxTimestamp      = 0x3a8
	regPDP3UDW           = 0x28c
	regPDP3LDW           = 0x288
	regPDP2UDW           = 0x284
	regPDP2LDW           = 0x280
	regPDP1UDW           = 0x27c
	regPDP1LDW           = 0x278
	regPDP0UDW           = 0x274
	regPDP0LDW           = 0x270
	regPwrClkState       = 0x0c8
)

// Inhibit Synchronous Context Switch | Engine Context Restore Inhibit.
const contextControlValue = 0x90009

// imageBase returns the MMIO base the context image registers are
// expressed against. The video engine's image historically uses the
// 0x1c000 base even though its live register bank sits at 0x10000.
func imageBase(e aub.Engine) uint32 {
	switch e {
	case aub.Video:
		return 0x1c000
	case aub.Blitter:
		return 0x22000
	default:
		return 0x02000
	}
}

// ContextImage builds the initial hardware-context save image for the
// engine: the register defaults a context restore loads, including the
// ring registers and the page-directory pointers wired to the PPGTT root.
// The returned slice is ContextSize/4 dwords; the tail is zero filled.
func ContextImage(e aub.Engine) []uint32 {
	info := ForEngine(e)
	base := imageBase(e)
	render := e == aub.Render

	ringRegs := []uint32{
		base + regContextControl, contextControlValue,
		base + regRingHead, 0,
		base + regRingTail, 0,
		base + regRingBufferStart, info.RingAddr,
		base + regRingBufferControl, (RingSize - 4096) | 1, // length | enable
		base + regBBHeadU, 0,
		base + regBBHeadL, 0,
		base + regBBState, 0,
		base + regSecondBBHeadU, 0,
		base + regSecondBBHeadL, 0,
		base + regSecondBBState, 0,
	}
	pad := 8
	if render {
		ringRegs = append(ringRegs,
			base+regBBPerCtxPtr, 0,
			base+regRCSIndirectCtx, 0,
			base+regRCSIndirectCtxOff, 0,
		)
		pad = 2
	}

	img := []uint32{0 /* MI_NOOP */, aub.MILoadRegisterImm(len(ringRegs)/2) | aub.MILRIForcePosted}
	img = append(img, ringRegs...)
	img = append(img, make([]uint32, pad)...)

	img = append(img, 0 /* MI_NOOP */, aub.MILoadRegisterImm(9)|aub.MILRIForcePosted,
		base+regCtxTimestamp, 0,
		base+regPDP3UDW, 0,
		base+regPDP3LDW, 0,
		base+regPDP2UDW, 0,
		base+regPDP2LDW, 0,
		base+regPDP1UDW, 0,
		base+regPDP1LDW, 0,
		base+regPDP0UDW, uint32(PML4PhysAddr>>32),
		base+regPDP0LDW, uint32(PML4PhysAddr),
	)
	img = append(img, make([]uint32, 12)...)

	if render {
		img = append(img, 0 /* MI_NOOP */, aub.MILoadRegisterImm(1),
			base+regPwrClkState, 0x7fffffff)
	}
	img = append(img, aub.MIBatchBufferEnd)

	out := make([]uint32, info.ContextSize/4)
	copy(out, img)
	return out
}
