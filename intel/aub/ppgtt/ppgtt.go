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

// Package ppgtt emulates the per-process GPU page tables: a sparse,
// lazily-populated 4-level radix tree with a 512-way fan-out per level,
// translating GPU virtual addresses to emulated physical pages.
//
// The tree only grows. A node is allocated the first time a slot beneath
// it is populated and existing slots are never rewritten, so mapping the
// same range twice produces no further table writes. Every newly
// populated run of slots is reported to the caller's WriteSink as one
// coalesced write of the backing table memory, which is how the page
// tables themselves end up in the trace.
package ppgtt

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ValveSoftware/steamos-mesa/core/fault"
)

// ErrUnmapped is returned by Lookup for addresses no Map call covered.
const ErrUnmapped = fault.Const("ppgtt: address not mapped")

const (
	// PageSize is the translation granularity.
	PageSize = 4096
	// Levels in the tree; level 1 entries are page leaves.
	Levels = 4
	// Fanout is the slot count per node: 9 index bits per level.
	Fanout = 512

	entrySize = 8
	// entryFlags marks an entry present and read/write. Physical
	// addresses are page aligned so the low bits are free for flags.
	entryFlags = 0x3
)

// WriteSink receives the coalesced dirty-range writes of page-table
// backing memory. entries holds the raw little-endian table bytes to be
// placed at the physical address.
type WriteSink interface {
	TableWrite(physAddr uint64, entries []byte) error
}

// node is one table of the tree, held in the arena. Child node indices
// live beside the raw entries so the tree needs no pointer cycles; a
// zero child means the slot is empty (node 0 is the root and never a
// child).
type node struct {
	phys     uint64
	entries  [Fanout]uint64 // phys | entryFlags; 0 = unpopulated
	children [Fanout]int32  // arena index of child node, levels 4..2 only
}

// Table is one PPGTT instance. Each Table owns its physical-address
// allocator so independent capture sessions do not interfere.
type Table struct {
	nodes []node
	alloc uint64 // next free physical page number
}

// New creates an empty table whose root (PML4) occupies the given,
// page-aligned physical address. Backing pages for the tables and the
// mapped data are allocated monotonically starting one page above the
// root.
func New(rootPhys uint64) *Table {
	t := &Table{alloc: rootPhys>>12 + 1}
	t.nodes = append(t.nodes, node{phys: rootPhys})
	return t
}

// RootPhys returns the physical address of the root table.
func (t *Table) RootPhys() uint64 { return t.nodes[0].phys }

// allocPage hands out the next physical page, never reusing one.
func (t *Table) allocPage() uint64 {
	p := t.alloc << 12
	t.alloc++
	return p
}

// populate fills the empty slots of one node in [first,last], allocating
// backing pages (and child nodes above level 1), and reports the dirty
// range to the sink as a single write. Already-populated slots are left
// untouched; if none were empty, nothing is written.
func (t *Table) populate(sink WriteSink, n int32, first, last, level int) error {
	dirtyFirst, dirtyLast := Fanout, 0
	for i := first; i <= last; i++ {
		if t.nodes[n].entries[i] != 0 {
			continue
		}
		if dirtyFirst > i {
			dirtyFirst = i
		}
		dirtyLast = i
		phys := t.allocPage()
		if level > 1 {
			t.nodes = append(t.nodes, node{phys: phys})
			t.nodes[n].children[i] = int32(len(t.nodes) - 1)
		}
		t.nodes[n].entries[i] = phys | entryFlags
		logrus.WithFields(logrus.Fields{
			"level": level, "index": i, "phys": phys,
		}).Trace("ppgtt: new entry")
	}

	if dirtyFirst > dirtyLast {
		return nil
	}
	buf := make([]byte, (dirtyLast-dirtyFirst+1)*entrySize)
	for i := dirtyFirst; i <= dirtyLast; i++ {
		binary.LittleEndian.PutUint64(buf[(i-dirtyFirst)*entrySize:], t.nodes[n].entries[i])
	}
	return sink.TableWrite(t.nodes[n].phys+uint64(dirtyFirst)*entrySize, buf)
}

func index(addr uint64, level int) int {
	return int(addr >> uint(12+9*(level-1)) & (Fanout - 1))
}

// spanMask returns the mask clearing the bits one level translates, i.e.
// the size-1 of the region one entry at that level covers.
func spanMask(level int) uint64 {
	return 1<<uint(12+9*(level-1)) - 1
}

func (t *Table) child(n int32, i int) int32 { return t.nodes[n].children[i] }

// Map populates every level of the tree for [start, start+size),
// top-down: a level-N table must exist (and be written to the trace)
// before level N-1 entries are placed beneath it. start may be in
// canonical 64-bit form; only the low 48 bits address the tree.
func (t *Table) Map(sink WriteSink, start, size uint64) error {
	logrus.WithFields(logrus.Fields{
		"start": start, "size": size,
	}).Debug("ppgtt: mapping")

	start &= 1<<48 - 1
	last := start + size - 1
	l4start := start &^ spanMask(4)
	l4end := (last | spanMask(4)) & (1<<48 - 1)
	if err := t.populate(sink, 0, index(l4start, 4), index(l4end, 4), 4); err != nil {
		return err
	}

	for l4 := l4start; l4 < l4end; l4 += spanMask(4) + 1 {
		l3 := t.child(0, index(l4, 4))
		l3start := max(l4, start&^spanMask(3))
		l3end := min(l4+spanMask(4), (last|spanMask(3))&(1<<48-1))
		if err := t.populate(sink, l3, index(l3start, 3), index(l3end, 3), 3); err != nil {
			return err
		}

		for a3 := l3start; a3 < l3end; a3 += spanMask(3) + 1 {
			l2 := t.child(l3, index(a3, 3))
			l2start := max(a3, start&^spanMask(2))
			l2end := min(a3+spanMask(3), (last|spanMask(2))&(1<<48-1))
			if err := t.populate(sink, l2, index(l2start, 2), index(l2end, 2), 2); err != nil {
				return err
			}

			for a2 := l2start; a2 < l2end; a2 += spanMask(2) + 1 {
				l1 := t.child(l2, index(a2, 2))
				l1start := max(a2, start&^spanMask(1))
				l1end := min(a2+spanMask(2), (last|spanMask(1))&(1<<48-1))
				if err := t.populate(sink, l1, index(l1start, 1), index(l1end, 1), 1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Lookup translates a virtual address to the physical address of its
// backing page plus the offset within it. The address must have been
// mapped; ErrUnmapped signals a caller error.
func (t *Table) Lookup(addr uint64) (uint64, error) {
	n := int32(0)
	for level := Levels; level > 1; level-- {
		i := index(addr, level)
		if t.nodes[n].entries[i] == 0 {
			return 0, ErrUnmapped
		}
		n = t.child(n, i)
	}
	e := t.nodes[n].entries[index(addr, 1)]
	if e == 0 {
		return 0, ErrUnmapped
	}
	return e&^uint64(entryFlags) | addr&(PageSize-1), nil
}
