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

// Package decode parses AUB container streams back into execute events.
//
// The Decoder is a streaming record dispatcher: each record advances
// the cursor by the length carried in its header word. Memory writes
// feed the Memory image, register writes feed a per-engine execlist
// tracker, and once a full context submission has been observed the
// ring's [head, tail) command slice is handed to the batch handler with
// the live Memory image for resolving the addresses the commands
// reference.
package decode

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ValveSoftware/steamos-mesa/core/data/dword"
	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/layout"
	"github.com/ValveSoftware/steamos-mesa/intel/device"
)

// BatchFunc receives one execute event: the engine it ran on, the
// GGTT address of the first command, the raw command bytes, and the
// memory image for resolving addresses the commands reference. The
// image's flat mappings are cleared once the callback returns.
type BatchFunc func(ctx context.Context, engine aub.Engine, addr uint64, commands []byte, mem *Memory) error

// execTracker accumulates the raw register writes one submission is
// spread across for a single engine.
type execTracker struct {
	elsp  [4]uint32
	nELSP int
	sq    [2]uint32
}

// Decoder decodes one AUB stream.
type Decoder struct {
	onBatch BatchFunc
	mem     *Memory

	dev      device.Info
	devKnown bool

	trackers [3]execTracker // indexed like layout.Engines()
}

// New creates a Decoder delivering execute events to onBatch.
func New(onBatch BatchFunc) *Decoder {
	return &Decoder{onBatch: onBatch, mem: NewMemory()}
}

// OverrideDevice fixes the device instead of resolving it from the
// file header.
func (d *Decoder) OverrideDevice(dev device.Info) {
	d.dev, d.devKnown = dev, true
}

// Device returns the device the stream was captured for, once a file
// header has been decoded (or a device override set).
func (d *Decoder) Device() (device.Info, bool) { return d.dev, d.devKnown }

// Memory returns the reconstructed memory image.
func (d *Decoder) Memory() *Memory { return d.mem }

// Decode runs the dispatcher over a complete in-memory stream.
// Decoding stops at the first record whose shape cannot be trusted (an
// unknown top-level opcode or a truncated record); events delivered
// before that point remain valid.
func (d *Decoder) Decode(ctx context.Context, data []byte) error {
	c := dword.NewCursor(data)
	for c.Remaining() > 0 {
		h := c.Word(0)
		var n int

		switch aub.RecordOpcode(h) {
		case aub.OpcodeAUB:
			n = aub.RecordLength(h) + 2
			if aub.RecordSubopcode(h) == aub.SubopcodeBlock {
				if c.Remaining() < 5 {
					return errors.Errorf("truncated block record at word %d/%d", c.Pos(), c.Len())
				}
				n += (int(c.Word(4)) + 3) / 4
			}
		case aub.OpcodeMemtrace:
			n = aub.RecordLength(h) + 1
		default:
			return errors.Errorf("unknown opcode 0x%x at word %d/%d",
				aub.RecordOpcode(h), c.Pos(), c.Len())
		}

		if n > c.Remaining() {
			return errors.Errorf("record at word %d/%d overruns the file", c.Pos(), c.Len())
		}
		if err := d.record(ctx, c, n); err != nil {
			return errors.Wrapf(err, "record at word %d/%d", c.Pos(), c.Len())
		}
		c.Advance(n)
	}
	return nil
}

// record handles one whole record of n words at the cursor.
func (d *Decoder) record(ctx context.Context, c *dword.Cursor, n int) error {
	h := c.Word(0)
	sub := aub.RecordSubopcode(h)

	if aub.RecordOpcode(h) == aub.OpcodeAUB {
		switch sub {
		case aub.SubopcodeHeader:
			d.legacyHeader(c, n)
		case aub.SubopcodeBlock:
			return d.legacyBlock(ctx, c, n)
		case aub.SubopcodeBMP:
			// Image dumps carry no memory state.
		default:
			logrus.Warnf("skipping unknown legacy record subopcode 0x%x", sub)
		}
		return nil
	}

	switch sub {
	case aub.SubopcodeVersion:
		d.memtraceVersion(c, n)
	case aub.SubopcodeRegWrite:
		if n < 6 {
			return errors.New("register write record too short")
		}
		return d.registerWrite(ctx, c.Word(1), c.Word(5))
	case aub.SubopcodeMemWrite:
		return d.memWrite(c, n)
	case aub.SubopcodeRegPoll, aub.SubopcodeMemPoll:
		// Polls only pace the simulator.
	default:
		logrus.Warnf("skipping unknown memtrace record subopcode 0x%x", sub)
	}
	return nil
}

// resolveDevice adopts the device a header names, unless overridden.
func (d *Decoder) resolveDevice(pciID uint32) {
	if d.devKnown {
		return
	}
	dev, err := device.Lookup(pciID)
	if err != nil {
		logrus.WithError(err).Warn("header names an unknown device")
		return
	}
	d.dev, d.devKnown = dev, true
}

// cString reads the NUL-terminated string stored in words [first, last).
func cString(c *dword.Cursor, first, last int) string {
	var b []byte
	for i := first; i < last; i++ {
		w := c.Word(i)
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parsePCIID extracts the device id from a header's "PCI-ID=..."
// comment.
func parsePCIID(s string) (uint32, bool) {
	for _, field := range strings.Fields(s) {
		if v, ok := strings.CutPrefix(field, "PCI-ID="); ok {
			if id, err := strconv.ParseUint(v, 0, 32); err == nil {
				return uint32(id), true
			}
		}
	}
	return 0, false
}

func (d *Decoder) legacyHeader(c *dword.Cursor, n int) {
	app := cString(c, 2, min(10, n))
	comment := ""
	if n > 13 {
		comment = cString(c, 13, n)
	}
	if id, ok := parsePCIID(comment); ok {
		d.resolveDevice(id)
	}
	logrus.WithFields(logrus.Fields{
		"app": app, "comment": comment,
	}).Info("legacy trace header")
}

func (d *Decoder) memtraceVersion(c *dword.Cursor, n int) {
	if n < 5 {
		return
	}
	app := cString(c, 5, n)
	if id, ok := parsePCIID(app); ok {
		d.resolveDevice(id)
	}
	logrus.WithFields(logrus.Fields{
		"app":       app,
		"simulator": c.Word(2) >> aub.MemtraceVersionDeviceShift,
	}).Info("memtrace header")
}

// engineForRing maps a legacy primary-ring trace type to its engine.
func engineForRing(typ uint32) (aub.Engine, bool) {
	switch typ {
	case aub.TraceTypeRingPRB0:
		return aub.Render, true
	case aub.TraceTypeRingPRB1:
		return aub.Video, true
	case aub.TraceTypeRingPRB2:
		return aub.Blitter, true
	}
	return 0, false
}

func (d *Decoder) legacyBlock(ctx context.Context, c *dword.Cursor, n int) error {
	header := aub.RecordLength(c.Word(0)) + 2
	operation := c.Word(1) & aub.TraceOperationMask
	typ := c.Word(1) & aub.TraceTypeMask
	memtype := c.Word(1) & aub.TraceAddressSpaceMask

	size := c.Word(4)
	addr := uint64(c.Word(3))
	if header >= 6 {
		addr |= uint64(c.Word(5)) << 32
	}
	data := c.Bytes(header, (int(size)+3)/4)
	data = data[:size]

	switch operation {
	case aub.TraceOpDataWrite:
		// The legacy GTT is flat, so GTT writes land at their virtual
		// address directly. Entry dumps carry nothing to reconstruct.
		if memtype == aub.TraceMemtypeGTT {
			d.mem.WriteLocal(addr, data)
		}
	case aub.TraceOpCmdWrite:
		engine, ok := engineForRing(typ)
		if !ok {
			logrus.Warnf("command write to unknown ring type 0x%x", typ)
			return nil
		}
		if err := d.onBatch(ctx, engine, addr, data, d.mem); err != nil {
			return err
		}
		d.mem.ClearMaps()
	}
	return nil
}

func (d *Decoder) memWrite(c *dword.Cursor, n int) error {
	if n < 5 {
		return errors.New("memory write record too short")
	}
	addr := uint64(c.Word(1)) | uint64(c.Word(2))<<32
	space := c.Word(3)
	size := c.Word(4)
	if 5+(int(size)+3)/4 != n {
		return errors.Errorf("memory write declares %d payload bytes but carries %d words",
			size, n-5)
	}
	data := c.Bytes(5, (int(size)+3)/4)
	data = data[:size]

	switch space {
	case aub.AddressSpaceLocal:
		d.mem.WriteLocal(addr, data)
	case aub.AddressSpacePhysical:
		d.mem.WritePhysical(addr, data)
	case aub.AddressSpaceGGTT:
		d.mem.WriteGGTT(addr, data)
	case aub.AddressSpaceGGTTEntry:
		d.mem.WriteGGTTEntry(addr, data)
	default:
		logrus.Warnf("memory write to unknown address space 0x%x", space)
	}
	return nil
}

// registerWrite feeds the per-engine execlist trackers. A submission
// arrives as four submit-port writes (the descriptor's two halves amid
// two zero slots) or, on newer parts, two submit-queue writes followed
// by a control write.
func (d *Decoder) registerWrite(ctx context.Context, reg, value uint32) error {
	for i, info := range layout.Engines() {
		tr := &d.trackers[i]
		switch reg {
		case info.SubmitPort:
			tr.elsp[tr.nELSP] = value
			tr.nELSP++
			if tr.nELSP < len(tr.elsp) {
				return nil
			}
			desc := uint64(tr.elsp[2])<<32 | uint64(tr.elsp[3])
			*tr = execTracker{}
			return d.execEvent(ctx, info.Engine, desc)
		case info.SQContents:
			tr.sq[0] = value
			return nil
		case info.SQContents + 4:
			tr.sq[1] = value
			return nil
		case info.Control:
			if value != 1 {
				return nil
			}
			desc := uint64(tr.sq[1])<<32 | uint64(tr.sq[0])
			*tr = execTracker{}
			return d.execEvent(ctx, info.Engine, desc)
		}
	}
	return nil
}

// Context image dwords read on submission.
const contextImageWords = layout.ContextPDP0LowDword + 1

// execEvent collapses a tracked submission into one batch callback: it
// locates the context image behind the descriptor's status page,
// extracts ring head/tail/start and the PPGTT root, resolves the ring's
// backing bytes and forwards the [head, tail) slice.
func (d *Decoder) execEvent(ctx context.Context, engine aub.Engine, desc uint64) error {
	pphwsp := desc & 0xfffff000
	blk, ok := d.mem.GetGGTTBlock(pphwsp + layout.PPHWSPSize)
	if !ok || uint64(len(blk.At(pphwsp+layout.PPHWSPSize))) < contextImageWords*4 {
		logrus.Warnf("%v submission 0x%016x has no context image", engine, desc)
		return nil
	}
	img := blk.At(pphwsp + layout.PPHWSPSize)
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(img[i*4:]) }

	head := uint64(word(layout.ContextRingHeadDword))
	tail := uint64(word(layout.ContextRingTailDword))
	start := uint64(word(layout.ContextRingStartDword))
	d.mem.SetPML4(uint64(word(layout.ContextPDP0HighDword))<<32 |
		uint64(word(layout.ContextPDP0LowDword)))

	logrus.WithFields(logrus.Fields{
		"engine": engine, "descriptor": desc,
		"ring": start, "head": head, "tail": tail,
	}).Debug("execlist submission")

	ring, ok := d.mem.GetGGTTBlock(start)
	if !ok && desc&layout.DescriptorPPGTT != 0 {
		ring, ok = d.mem.GetPPGTTBlock(start)
	}
	if !ok || !ring.Contains(start+head) || tail < head ||
		start+tail > ring.Addr+uint64(len(ring.Data)) {
		logrus.Warnf("%v submission ring at 0x%x is unmapped", engine, start)
		return nil
	}

	commands := ring.At(start + head)[:tail-head]
	if err := d.onBatch(ctx, engine, start+head, commands, d.mem); err != nil {
		return err
	}
	d.mem.ClearMaps()
	return nil
}
