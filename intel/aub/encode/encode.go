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

// Package encode emits AUB container records.
//
// The Encoder speaks both container dialects and selects one from the
// device generation: execlist-capable devices (gen8+) get the paged
// "memtrace" records, older devices get the legacy linear-GTT records.
// In the paged dialect the Encoder owns a PPGTT instance; buffers must
// be mapped through MapPPGTT before their contents are written, as data
// blocks are addressed by the physical pages backing them.
package encode

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ValveSoftware/steamos-mesa/core/data/dword"
	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/layout"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/ppgtt"
	"github.com/ValveSoftware/steamos-mesa/intel/device"
)

// Largest block a single legacy trace record carries.
const maxBlockSize = 8 * 4096

var nullBlock [maxBlockSize]byte

// Encoder writes one AUB stream for one device.
type Encoder struct {
	w      *dword.Writer
	dev    device.Info
	tables *ppgtt.Table
}

// New creates an Encoder emitting to w for the given device.
func New(w io.Writer, dev device.Info) *Encoder {
	return &Encoder{
		w:      dword.NewWriter(w),
		dev:    dev,
		tables: ppgtt.New(layout.PML4PhysAddr),
	}
}

// Device returns the device the stream is encoded for.
func (e *Encoder) Device() device.Info { return e.dev }

// GTTSize returns the size in bytes of the legacy linear GTT dump.
func (e *Encoder) GTTSize() uint32 {
	pte := uint32(layout.PTESize)
	if e.dev.AddrBits() > 32 {
		pte = layout.Gen8PTESize
	}
	return layout.NumPTEntries * pte
}

// blockHeader returns the legacy trace block record header dword. The
// header grows by one address dword on 48-bit devices.
func (e *Encoder) blockHeader() uint32 {
	if e.dev.AddrBits() > 32 {
		return aub.CmdAUBTraceHeaderBlock | (6 - 2)
	}
	return aub.CmdAUBTraceHeaderBlock | (5 - 2)
}

// memtraceHeader emits the fixed prefix of a memtrace memory write:
// header, address, address space and byte length. The payload (len
// bytes padded to a dword) follows.
func (e *Encoder) memtraceHeader(addr uint64, len, addrSpace uint32) {
	dwords := (len + 3) / 4
	e.w.U32(aub.CmdMemtraceMemWrite | (5 + dwords - 1))
	e.w.U64(addr)
	e.w.U32(addrSpace)
	e.w.U32(len)
}

// MemoryWrite emits one memtrace memory write of data at addr in the
// given address space.
func (e *Encoder) MemoryWrite(addrSpace uint32, addr uint64, data []byte) error {
	e.memtraceHeader(addr, uint32(len(data)), addrSpace)
	e.w.Data(data)
	e.w.Pad4(len(data))
	return e.w.Error()
}

// RegisterWrite emits a memtrace MMIO dword register write.
func (e *Encoder) RegisterWrite(reg, value uint32) error {
	e.w.U32(aub.CmdMemtraceRegWrite | (5 + 1 - 1))
	e.w.U32(reg)
	e.w.U32(aub.RegisterSizeDword | aub.RegisterSpaceMMIO)
	e.w.U32(0xffffffff) // mask lo
	e.w.U32(0x00000000) // mask hi
	e.w.U32(value)
	return e.w.Error()
}

func (e *Encoder) registerPoll(reg, mask, value uint32) {
	e.w.U32(aub.CmdMemtraceRegPoll | (5 + 1 - 1))
	e.w.U32(reg)
	e.w.U32(aub.RegisterSizeDword | aub.RegisterSpaceMMIO)
	e.w.U32(mask)
	e.w.U32(0x00000000) // mask hi
	e.w.U32(value)
}

// TableWrite places page-table backing memory at its physical address,
// satisfying ppgtt.WriteSink.
func (e *Encoder) TableWrite(physAddr uint64, entries []byte) error {
	return e.MemoryWrite(aub.AddressSpacePhysical, physAddr, entries)
}

// MapPPGTT maps [start, start+size) in the device's PPGTT, emitting the
// page-table writes the mapping requires. A no-op on legacy devices,
// whose GTT is dumped linearly by WriteHeader.
func (e *Encoder) MapPPGTT(start, size uint64) error {
	if !e.dev.UsesExeclists() {
		return nil
	}
	return e.tables.Map(e, start, size)
}

// WriteHeader begins the stream: the file header record naming the
// device and application, followed by the memory-system setup. On
// legacy devices that is the linear GTT dump; on execlist devices the
// GGTT entries covering the static map, the per-engine rings, hardware
// status pages and context images, and the register writes switching
// the engines to execlist submission.
func (e *Encoder) WriteHeader(appName string) error {
	logrus.WithFields(logrus.Fields{
		"device": e.dev.Name,
		"gen":    e.dev.Gen,
		"app":    appName,
	}).Debug("aub: writing file header")

	if e.dev.UsesExeclists() {
		e.writeExeclistsHeader(appName)
	} else {
		e.writeLegacyHeader(appName)
	}
	return e.w.Error()
}

func (e *Encoder) writeLegacyHeader(appName string) {
	comment := fmt.Sprintf("PCI-ID=0x%x", e.dev.PCIID)
	commentDwords := (len(comment) + 3) / 4

	dwords := 13 + commentDwords
	e.w.U32(aub.CmdAUBHeader | uint32(dwords-2))
	e.w.U32(4<<aub.HeaderMajorShift | 0<<aub.HeaderMinorShift)

	// A fixed 32-byte application name, truncated and zero padded.
	var name [32]byte
	copy(name[:31], appName)
	e.w.Data(name[:])

	e.w.U32(0) // timestamp
	e.w.U32(0) // timestamp
	e.w.U32(uint32(len(comment)))
	e.w.Data([]byte(comment))
	e.w.Pad4(len(comment))

	// The linear GTT: one present entry per page of the 64M map.
	wide := e.dev.AddrBits() > 32
	e.w.U32(e.blockHeader())
	e.w.U32(aub.TraceMemtypeGTTEntry | aub.TraceTypeNone | aub.TraceOpDataWrite)
	e.w.U32(0) // subtype
	e.w.U32(0) // offset
	e.w.U32(e.GTTSize())
	if wide {
		e.w.U32(0)
	}
	const entry = 0x200003
	for i := uint32(0); i < layout.NumPTEntries; i++ {
		e.w.U32(entry + 0x1000*i)
		if wide {
			e.w.U32(0)
		}
	}
}

func (e *Encoder) writeExeclistsHeader(appName string) {
	// Version record. The simulator reads the device out of it; the
	// application name is informational.
	name := fmt.Sprintf("PCI-ID=0x%X %s", e.dev.PCIID, appName)
	if len(name) > 31 {
		name = name[:31]
	}
	nameLen := (len(name) + 3) &^ 3

	dwords := 5 + nameLen/4
	e.w.U32(aub.CmdMemtraceVersion | uint32(dwords-1))
	e.w.U32(aub.MemtraceVersionFileVersion)
	e.w.U32(uint32(e.dev.SimulatorID) << aub.MemtraceVersionDeviceShift)
	e.w.U32(0) // version
	e.w.U32(0) // version
	e.w.Data([]byte(name))
	e.w.Pad4(len(name))

	// GGTT entries backing the static map, identity mapped. Entry table
	// writes are addressed by byte offset within the table: the entry
	// for virtual page p lives at byte 8p.
	ggttPTEs := uint32(layout.StaticGGTTMapSize) >> 12
	e.memtraceHeader(layout.StaticGGTTMapStart>>12*layout.Gen8PTESize,
		ggttPTEs*layout.Gen8PTESize, aub.AddressSpaceGGTTEntry)
	for i := uint32(0); i < ggttPTEs; i++ {
		e.w.U64(uint64(1 + 0x1000*i + layout.StaticGGTTMapStart))
	}

	for _, info := range layout.Engines() {
		// Ring, zeroed.
		e.memtraceHeader(uint64(info.RingAddr), layout.RingSize, aub.AddressSpaceGGTT)
		e.w.Data(nullBlock[:layout.RingSize])

		// Hardware status page followed by the initial context image.
		e.memtraceHeader(uint64(info.ContextAddr),
			layout.PPHWSPSize+info.ContextSize, aub.AddressSpaceGGTT)
		e.w.Data(nullBlock[:layout.PPHWSPSize])
		for _, dw := range layout.ContextImage(info.Engine) {
			e.w.U32(dw)
		}
	}

	for _, info := range layout.Engines() {
		e.RegisterWrite(info.HWSPGA, info.ContextAddr)
	}
	for _, info := range layout.Engines() {
		e.RegisterWrite(info.GFXMode, 0x80008000) // execlist enable
	}
}

// TraceBlock writes size bytes of buffer contents at gttOffset, broken
// into records the container can carry. A nil data writes zeroes.
//
// typ is the legacy trace data type (batch, vertex, surface, ...); the
// paged dialect ignores it and addresses the write by the physical
// pages the PPGTT maps gttOffset to, so the range must have been mapped
// with MapPPGTT first.
func (e *Encoder) TraceBlock(typ uint32, gttOffset uint64, data []byte, size uint32) error {
	for offset := uint32(0); offset < size; {
		blockSize := min(maxBlockSize, size-offset)

		if e.dev.UsesExeclists() {
			blockSize = min(4096, blockSize)
			phys, err := e.tables.Lookup(gttOffset + uint64(offset))
			if err != nil {
				return errors.Wrapf(err, "writing %d bytes at 0x%x", size, gttOffset)
			}
			e.memtraceHeader(phys, blockSize, aub.AddressSpacePhysical)
		} else {
			addr := gttOffset + uint64(offset)
			e.w.U32(e.blockHeader())
			e.w.U32(aub.TraceMemtypeGTT | typ | aub.TraceOpDataWrite)
			e.w.U32(0) // subtype
			e.w.U32(uint32(addr))
			e.w.U32((blockSize + 3) &^ 3)
			if e.dev.AddrBits() > 32 {
				e.w.U32(uint32(addr >> 32))
			}
		}

		if data != nil {
			e.w.Data(data[offset : offset+blockSize])
		} else {
			e.w.Data(nullBlock[:blockSize])
		}
		e.w.Pad4(int(blockSize))

		offset += blockSize
	}
	return e.w.Error()
}

// Exec submits the batch buffer at batchAddr to the engine.
//
// On execlist devices the engine's ring is rewritten to jump into the
// batch, the context image's ring head and tail are updated, the
// context is submitted through the engine's submit port and the record
// stream then polls the execlist status register, which is what drives
// execution in a simulator. ringAddr is ignored.
//
// On legacy devices a small ring holding MI_BATCH_BUFFER_START is
// dumped at ringAddr as a command write, which triggers execution.
func (e *Encoder) Exec(engine aub.Engine, batchAddr, ringAddr uint64) error {
	logrus.WithFields(logrus.Fields{
		"engine": engine,
		"batch":  fmt.Sprintf("0x%x", batchAddr),
	}).Debug("aub: exec")

	if e.dev.UsesExeclists() {
		e.execlistSubmit(layout.ForEngine(engine), batchAddr)
		return e.w.Error()
	}
	return e.legacySubmit(layout.ForEngine(engine), batchAddr, ringAddr)
}

func (e *Encoder) execlistSubmit(info layout.EngineInfo, batchAddr uint64) {
	// Jump from the ring into the batch.
	e.memtraceHeader(uint64(info.RingAddr), 16, aub.AddressSpaceGGTT)
	e.w.U32(aub.MIBatchBufferStart | aub.MIBatchNonSecure | (3 - 2))
	e.w.U64(batchAddr)
	e.w.U32(0) // MI_NOOP

	// Ring head and tail, patched directly into the context image.
	imageAddr := uint64(info.ContextAddr) + layout.PPHWSPSize
	e.memtraceHeader(imageAddr+layout.ContextRingHeadDword*4, 4, aub.AddressSpaceGGTT)
	e.w.U32(0)
	e.memtraceHeader(imageAddr+layout.ContextRingTailDword*4, 4, aub.AddressSpaceGGTT)
	e.w.U32(16)

	if e.dev.Gen >= 11 {
		e.RegisterWrite(info.SQContents, uint32(info.Descriptor))
		e.RegisterWrite(info.SQContents+4, uint32(info.Descriptor>>32))
		e.RegisterWrite(info.Control, 1)
	} else {
		e.RegisterWrite(info.SubmitPort, 0)
		e.RegisterWrite(info.SubmitPort, 0)
		e.RegisterWrite(info.SubmitPort, uint32(info.Descriptor>>32))
		e.RegisterWrite(info.SubmitPort, uint32(info.Descriptor))
	}

	if e.dev.Gen >= 11 {
		e.registerPoll(info.Status, 0x00000001, 0x00000001)
	} else {
		e.registerPoll(info.Status, 0x00000010, 0x00000000)
	}
}

func (e *Encoder) legacySubmit(info layout.EngineInfo, batchAddr, ringAddr uint64) error {
	bbsLen := 2
	if e.dev.AddrBits() > 32 {
		bbsLen = 3
	}
	ring := make([]uint32, 0, 3)
	ring = append(ring, aub.MIBatchBufferStart|uint32(bbsLen-2), uint32(batchAddr))
	if bbsLen == 3 {
		ring = append(ring, uint32(batchAddr>>32))
	}

	// Dumping the ring as a command write is what triggers execution
	// in the simulator.
	e.w.U32(e.blockHeader())
	e.w.U32(aub.TraceMemtypeGTT | info.RingType | aub.TraceOpCmdWrite)
	e.w.U32(0) // subtype
	e.w.U32(uint32(ringAddr))
	e.w.U32(uint32(len(ring) * 4))
	if e.dev.AddrBits() > 32 {
		e.w.U32(uint32(ringAddr >> 32))
	}
	for _, dw := range ring {
		e.w.U32(dw)
	}
	return e.w.Error()
}
