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

package decode

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func entryBytes(entries ...uint64) []byte {
	b := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(b[8*i:], e)
	}
	return b
}

func TestPhysicalWriteSpansPages(t *testing.T) {
	m := NewMemory()
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m.WritePhysical(0x5000-50, data)

	lo := m.ensurePhys(0x4000)
	hi := m.ensurePhys(0x5000)
	if !bytes.Equal(lo[pageSize-50:], data[:50]) {
		t.Error("first page tail does not match")
	}
	if !bytes.Equal(hi[:50], data[50:]) {
		t.Error("second page head does not match")
	}
}

func TestGGTTTranslation(t *testing.T) {
	m := NewMemory()
	// Virtual pages 0x3000 and 0x4000 backed by discontiguous physical
	// pages. Entry i in a table written at byte address A maps virtual
	// page (A/8 + i).
	m.WriteGGTTEntry((0x3000>>12)*8, entryBytes(0x10001, 0x30001))

	data := make([]byte, pageSize+16)
	for i := range data {
		data[i] = byte(i * 3)
	}
	m.WriteGGTT(0x3000+pageSize-8, data[:24]) // straddles the page boundary
	m.WriteGGTT(0x3000, data)

	blk, ok := m.GetGGTTBlock(0x3000)
	if !ok {
		t.Fatal("GetGGTTBlock failed for a mapped address")
	}
	if blk.Addr != 0x3000 || len(blk.Data) != 2*pageSize {
		t.Fatalf("block at %#x size %d, want 0x3000 size %d", blk.Addr, len(blk.Data), 2*pageSize)
	}
	if !bytes.Equal(blk.Data[:len(data)], data) {
		t.Error("virtual contents do not round-trip through the entry table")
	}

	// The stitched block reflects the physical pages, which are not
	// adjacent.
	if !bytes.Equal(m.ensurePhys(0x10000)[:16], data[:16]) {
		t.Error("first virtual page did not land on physical 0x10000")
	}
	if !bytes.Equal(m.ensurePhys(0x30000)[:16], data[pageSize:pageSize+16]) {
		t.Error("second virtual page did not land on physical 0x30000")
	}

	if _, ok := m.GetGGTTBlock(0x5000); ok {
		t.Error("GetGGTTBlock succeeded for an unmapped page")
	}
}

func TestPPGTTWalk(t *testing.T) {
	m := NewMemory()
	const (
		pml4 = 0x100000
		pdp  = 0x101000
		pd   = 0x102000
		pt   = 0x103000
		leaf = 0x104000
		virt = uint64(1)<<39 | uint64(2)<<30 | uint64(3)<<21 | uint64(4)<<12
	)
	m.SetPML4(pml4)
	m.WritePhysical(pml4+1*8, entryBytes(pdp|3))
	m.WritePhysical(pdp+2*8, entryBytes(pd|3))
	m.WritePhysical(pd+3*8, entryBytes(pt|3))
	m.WritePhysical(pt+4*8, entryBytes(leaf|3))

	payload := []byte("ring contents")
	m.WritePhysical(leaf+0x20, payload)

	blk, ok := m.GetPPGTTBlock(virt + 0x20)
	if !ok {
		t.Fatal("GetPPGTTBlock failed for a mapped address")
	}
	if blk.Addr != virt {
		t.Fatalf("block at %#x, want %#x", blk.Addr, virt)
	}
	if got := blk.At(virt + 0x20)[:len(payload)]; !bytes.Equal(got, payload) {
		t.Errorf("payload %q, want %q", got, payload)
	}

	// Canonical addresses walk identically: the high bits replicate
	// bit 47 and are ignored.
	if _, ok := m.GetPPGTTBlock(virt | 0xffff_0000_0000_0000); !ok {
		t.Error("walk of canonical form failed")
	}

	if _, ok := m.GetPPGTTBlock(virt + pageSize); ok {
		t.Error("walk of an unmapped sibling page succeeded")
	}
}

func TestLocalMapsClearPerEvent(t *testing.T) {
	m := NewMemory()
	m.WriteLocal(0x8000, []byte{1, 2, 3, 4})

	blk, ok := m.GetGGTTBlock(0x8002)
	if !ok || blk.At(0x8002)[0] != 3 {
		t.Fatal("flat mapping not visible through GetGGTTBlock")
	}

	m.ClearMaps()
	if _, ok := m.GetGGTTBlock(0x8002); ok {
		t.Error("flat mapping survived ClearMaps")
	}
}
