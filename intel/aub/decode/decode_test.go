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

package decode_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/capture"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/decode"
)

// event is one batch callback, with everything the handler resolved
// while the memory image was live.
type event struct {
	engine   aub.Engine
	addr     uint64
	commands []byte
	batch    []byte
	batchVA  uint64
}

// captureTrace runs submissions through a fresh shim and returns the
// encoded stream.
func captureTrace(t *testing.T, pciID uint32, setup func(capture.Driver)) []byte {
	t.Helper()
	var buf bytes.Buffer
	cfg := &capture.Config{Device: pciID, AppName: "harness"}
	cfg.AddOutput(&buf)
	shim, err := capture.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	setup(shim)
	return buf.Bytes()
}

// decodeEvents decodes a stream, following the batch-buffer-start
// command at the head of each ring to the batch contents.
func decodeEvents(t *testing.T, data []byte, legacy bool) []event {
	t.Helper()
	var events []event
	d := decode.New(func(ctx context.Context, engine aub.Engine, addr uint64, commands []byte, mem *decode.Memory) error {
		ev := event{engine: engine, addr: addr}
		ev.commands = append(ev.commands, commands...)

		var blk decode.Block
		var ok bool
		if legacy {
			ev.batchVA = uint64(binary.LittleEndian.Uint32(commands[4:]))
			blk, ok = mem.GetGGTTBlock(ev.batchVA)
		} else {
			ev.batchVA = binary.LittleEndian.Uint64(commands[4:])
			blk, ok = mem.GetPPGTTBlock(ev.batchVA)
		}
		if !ok {
			t.Errorf("batch at %#x is unreachable", ev.batchVA)
		} else {
			ev.batch = append(ev.batch, blk.At(ev.batchVA)...)
		}
		events = append(events, ev)
		return nil
	})
	if err := d.Decode(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestExeclistRoundTrip(t *testing.T) {
	target := make([]byte, 8192)
	batch := make([]byte, 4096)
	for i := range target {
		target[i] = byte(i * 3)
	}
	for i := range batch {
		batch[i] = byte(i * 5)
	}

	sub := capture.Submission{
		Engine: aub.Render,
		Buffers: []capture.BufferRef{
			{Handle: 2, Data: target},
			{Handle: 1, Data: batch,
				Relocs: []capture.Reloc{{Offset: 0x100, Target: 2, Delta: 0x10}}},
		},
	}
	trace := captureTrace(t, 0x1902 /* skl */, func(drv capture.Driver) {
		if err := drv.CreateBuffer(2, 8192); err != nil {
			t.Fatal(err)
		}
		if err := drv.CreateBuffer(1, 4096); err != nil {
			t.Fatal(err)
		}
		if err := drv.Submit(sub); err != nil {
			t.Fatal(err)
		}
	})

	events := decodeEvents(t, trace, false)
	if len(events) != 1 {
		t.Fatalf("got %d execute events, want 1", len(events))
	}
	ev := events[0]
	if ev.engine != aub.Render {
		t.Errorf("event on %v, want render", ev.engine)
	}

	// The ring holds exactly the jump into the batch.
	if len(ev.commands) != 16 {
		t.Fatalf("ring slice is %d bytes, want 16", len(ev.commands))
	}
	if w0 := binary.LittleEndian.Uint32(ev.commands); w0 != aub.MIBatchBufferStart|aub.MIBatchNonSecure|1 {
		t.Errorf("ring command %#x, want MI_BATCH_BUFFER_START", w0)
	}

	// Buffers were placed at 0x1000 (target) then 0x3000 (batch).
	if ev.batchVA != 0x3000 {
		t.Errorf("batch at %#x, want 0x3000", ev.batchVA)
	}

	// The decoded batch matches the submitted bytes with the
	// relocation slot patched to the target's address plus delta.
	want := make([]byte, len(batch))
	copy(want, batch)
	binary.LittleEndian.PutUint64(want[0x100:], 0x1000+0x10)
	if !bytes.Equal(ev.batch[:len(want)], want) {
		t.Error("decoded batch does not match the submitted contents")
	}

	// The target buffer round-trips byte identically.
	dec := decode.New(func(ctx context.Context, _ aub.Engine, _ uint64, _ []byte, mem *decode.Memory) error {
		blk, ok := mem.GetPPGTTBlock(0x1000)
		if !ok {
			t.Fatal("target buffer unreachable")
		}
		if !bytes.Equal(blk.At(0x1000)[:len(target)], target) {
			t.Error("target buffer does not round-trip")
		}
		return nil
	})
	if err := dec.Decode(context.Background(), trace); err != nil {
		t.Fatal(err)
	}
}

func TestRelocationCanonicalization(t *testing.T) {
	// A 48-bit device with a relocation target whose bit 47 is set: the
	// stored slot must hold the sign-extended canonical form.
	const pinnedAddr = uint64(0x0000_8000_0000_1000)

	trace := captureTrace(t, 0x1902, func(drv capture.Driver) {
		if err := drv.CreateBuffer(2, 4096); err != nil {
			t.Fatal(err)
		}
		if err := drv.CreateBuffer(1, 4096); err != nil {
			t.Fatal(err)
		}
		err := drv.Submit(capture.Submission{
			Engine: aub.Render,
			Buffers: []capture.BufferRef{
				{Handle: 2, Pinned: true, Address: pinnedAddr},
				{Handle: 1, Relocs: []capture.Reloc{{Offset: 0, Target: 2}}},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	events := decodeEvents(t, trace, false)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	slot := binary.LittleEndian.Uint64(events[0].batch)
	if want := uint64(0xffff_8000_0000_1000); slot != want {
		t.Errorf("relocation slot %#x, want canonical %#x", slot, want)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	batch := make([]byte, 4096)
	for i := range batch {
		batch[i] = byte(i * 11)
	}

	trace := captureTrace(t, 0x0156 /* ivb */, func(drv capture.Driver) {
		if err := drv.CreateBuffer(2, 4096); err != nil {
			t.Fatal(err)
		}
		if err := drv.CreateBuffer(1, 4096); err != nil {
			t.Fatal(err)
		}
		err := drv.Submit(capture.Submission{
			Engine: aub.Render,
			Buffers: []capture.BufferRef{
				{Handle: 2},
				{Handle: 1, Data: batch,
					Relocs: []capture.Reloc{{Offset: 0x40, Target: 2}}},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	events := decodeEvents(t, trace, true)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.engine != aub.Render {
		t.Errorf("event on %v, want render", ev.engine)
	}
	// The synthetic ring is two dwords on a 32-bit device.
	if len(ev.commands) != 8 {
		t.Fatalf("ring slice is %d bytes, want 8", len(ev.commands))
	}

	// Buffers sit above the linear GTT dump: 64 MiB / 4096 * 4 bytes.
	if ev.batchVA != 0x10000+0x1000 {
		t.Errorf("batch at %#x, want 0x11000", ev.batchVA)
	}
	if got := binary.LittleEndian.Uint32(ev.batch[0x40:]); got != 0x10000 {
		t.Errorf("relocation slot %#x, want 0x10000", got)
	}
	if !bytes.Equal(ev.batch[:0x40], batch[:0x40]) {
		t.Error("decoded batch prefix does not match")
	}
}

func TestMultipleSubmissions(t *testing.T) {
	trace := captureTrace(t, 0x8a50 /* icl */, func(drv capture.Driver) {
		if err := drv.CreateBuffer(1, 4096); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			err := drv.Submit(capture.Submission{
				Engine:  aub.Video,
				Buffers: []capture.BufferRef{{Handle: 1, Data: []byte{0, 0, 0, 0}}},
			})
			if err != nil {
				t.Fatal(err)
			}
		}
	})

	// Gen11 submits through the queue registers; both events must
	// resolve even though the GGTT setup is only written once.
	events := decodeEvents(t, trace, false)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.engine != aub.Video {
			t.Errorf("event on %v, want video", ev.engine)
		}
	}
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, aub.MakeHeader(aub.ClassAUB, 0x15, 0))
	err := decode.New(nil).Decode(context.Background(), word)
	if err == nil || !strings.Contains(err.Error(), "unknown opcode") {
		t.Errorf("got %v, want unknown opcode error", err)
	}
}

func TestTruncatedRecordIsFatal(t *testing.T) {
	// A memory write claiming 16 payload dwords with none present.
	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, aub.CmdMemtraceMemWrite|(5+16-1))
	err := decode.New(nil).Decode(context.Background(), word)
	if err == nil || !strings.Contains(err.Error(), "overruns") {
		t.Errorf("got %v, want overrun error", err)
	}
}

func TestInconsistentLengthIsRejected(t *testing.T) {
	// Record length says one payload dword, size field says 64 bytes.
	words := []uint32{aub.CmdMemtraceMemWrite | (5 + 1 - 1), 0, 0, aub.AddressSpaceLocal, 64, 0}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	err := decode.New(nil).Decode(context.Background(), data)
	if err == nil {
		t.Error("inconsistent declared length was not rejected")
	}
}

func TestUnknownSubopcodeIsSkipped(t *testing.T) {
	words := []uint32{
		aub.MakeHeader(aub.ClassAUB, aub.OpcodeMemtrace, 0x7f) | 2, 0, 0,
		aub.CmdMemtraceRegPoll | (5 + 1 - 1), 0, 0, 0, 0, 0,
	}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	if err := decode.New(nil).Decode(context.Background(), data); err != nil {
		t.Errorf("well-formed unknown record aborted decoding: %v", err)
	}
}
