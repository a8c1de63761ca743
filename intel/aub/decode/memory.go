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
	"encoding/binary"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

const pageSize = 4096

// Block is a contiguous run of reconstructed memory.
type Block struct {
	Addr uint64
	Data []byte
}

// Contains reports whether addr falls inside the block.
func (b Block) Contains(addr uint64) bool {
	return addr >= b.Addr && addr < b.Addr+uint64(len(b.Data))
}

// At returns the block's bytes from addr to its end.
func (b Block) At(addr uint64) []byte {
	return b.Data[addr-b.Addr:]
}

type ggttEntry struct {
	virt uint64
	phys uint64 // raw page-table entry, bit 0 = present
}

type physPage struct {
	addr uint64
	data []byte
}

// arena hands out page buffers in bulk, since a decode session can
// materialize many thousands of them.
type arena struct {
	buf []byte
}

func (a *arena) page() []byte {
	if len(a.buf) == 0 {
		a.buf = make([]byte, 256*pageSize)
	}
	p := a.buf[:pageSize:pageSize]
	a.buf = a.buf[pageSize:]
	return p
}

// Memory reconstructs the GPU memory image from the write records of a
// trace: a GGTT entry table and a physical page pool, both live for the
// whole decode session, plus flat "local" mappings that only live until
// the next execute event.
type Memory struct {
	ggtt *btree.BTreeG[ggttEntry]
	phys *btree.BTreeG[physPage]
	pool arena
	maps []Block
	pml4 uint64
}

// NewMemory creates an empty memory image.
func NewMemory() *Memory {
	return &Memory{
		ggtt: btree.NewG(16, func(a, b ggttEntry) bool { return a.virt < b.virt }),
		phys: btree.NewG(16, func(a, b physPage) bool { return a.addr < b.addr }),
	}
}

// SetPML4 anchors the PPGTT root for subsequent page walks. The root
// travels in each context image's page-directory-pointer registers.
func (m *Memory) SetPML4(addr uint64) { m.pml4 = addr }

// ensurePhys returns the backing page at the page-aligned physical
// address, materializing a zero page on first touch. Pages are never
// freed before the session ends.
func (m *Memory) ensurePhys(addr uint64) []byte {
	if p, ok := m.phys.Get(physPage{addr: addr}); ok {
		return p.data
	}
	p := physPage{addr: addr, data: m.pool.page()}
	m.phys.ReplaceOrInsert(p)
	return p.data
}

// WritePhysical places data at a physical address, splitting the write
// across page boundaries.
func (m *Memory) WritePhysical(addr uint64, data []byte) {
	for len(data) > 0 {
		page := addr &^ (pageSize - 1)
		off := addr - page
		n := min(uint64(len(data)), pageSize-off)
		copy(m.ensurePhys(page)[off:], data[:n])
		addr += n
		data = data[n:]
	}
}

// WriteGGTTEntry records raw GGTT page-table entries. addr is the byte
// offset of the first entry within the entry table, so entry i maps the
// virtual page (addr/8 + i).
func (m *Memory) WriteGGTTEntry(addr uint64, data []byte) {
	for i := 0; i+8 <= len(data); i += 8 {
		m.ggtt.ReplaceOrInsert(ggttEntry{
			virt: (addr + uint64(i)) / 8 << 12,
			phys: binary.LittleEndian.Uint64(data[i:]),
		})
	}
}

// WriteGGTT places data at a GGTT virtual address by translating each
// covered page through the entry table to its physical page. Pages with
// no present entry are skipped with a diagnostic.
func (m *Memory) WriteGGTT(addr uint64, data []byte) {
	for len(data) > 0 {
		page := addr &^ (pageSize - 1)
		off := addr - page
		n := min(uint64(len(data)), pageSize-off)

		if e, ok := m.ggtt.Get(ggttEntry{virt: page}); ok && e.phys&1 != 0 {
			m.WritePhysical(e.phys&^(pageSize-1)+off, data[:n])
		} else {
			logrus.WithField("addr", addr).Warn("write to unmapped GGTT page")
		}
		addr += n
		data = data[n:]
	}
}

// WriteLocal records a flat mapping: data lives at addr with no
// translation. Local mappings are dropped by ClearMaps after each
// execute event; data is aliased, not copied.
func (m *Memory) WriteLocal(addr uint64, data []byte) {
	m.maps = append(m.maps, Block{Addr: addr, Data: data})
}

// ClearMaps drops the flat mappings. Called between execute events, as
// a later submission may rewrite the same addresses.
func (m *Memory) ClearMaps() { m.maps = m.maps[:0] }

// GetGGTTBlock resolves the contiguous run of mapped memory containing
// the GGTT virtual address: a flat mapping if one covers it, otherwise
// the pages reachable from its entry while entries stay present and
// virtually contiguous.
func (m *Memory) GetGGTTBlock(addr uint64) (Block, bool) {
	for _, b := range m.maps {
		if b.Contains(addr) {
			return b, true
		}
	}

	start := addr &^ (pageSize - 1)
	var data []byte
	for page := start; ; page += pageSize {
		e, ok := m.ggtt.Get(ggttEntry{virt: page})
		if !ok || e.phys&1 == 0 {
			break
		}
		data = append(data, m.ensurePhys(e.phys&^(pageSize-1))...)
	}
	if len(data) == 0 {
		return Block{}, false
	}
	return Block{Addr: start, Data: data}, true
}

// ppgttWalk translates one PPGTT virtual address to the physical
// address of its backing page, mirroring the 4-level tree the encoder
// emits. Returns false if any level along the path is absent.
func (m *Memory) ppgttWalk(addr uint64) (uint64, bool) {
	entry := m.pml4 | 1
	for level := 4; level >= 1; level-- {
		if entry&1 == 0 {
			return 0, false
		}
		table, ok := m.phys.Get(physPage{addr: entry &^ (pageSize - 1)})
		if !ok {
			return 0, false
		}
		index := addr >> uint(12+9*(level-1)) & 0x1ff
		entry = binary.LittleEndian.Uint64(table.data[index*8:])
	}
	if entry&1 == 0 {
		return 0, false
	}
	return entry &^ (pageSize - 1), true
}

// GetPPGTTBlock resolves the contiguous run of PPGTT-mapped memory
// containing the virtual address, page-walking from the current PML4
// root. Returns false if the address itself is unmapped.
func (m *Memory) GetPPGTTBlock(addr uint64) (Block, bool) {
	start := addr &^ (pageSize - 1)
	var data []byte
	for page := start; ; page += pageSize {
		phys, ok := m.ppgttWalk(page)
		if !ok {
			break
		}
		data = append(data, m.ensurePhys(phys)...)
	}
	if len(data) == 0 {
		return Block{}, false
	}
	return Block{Addr: start, Data: data}, true
}
