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

// Package capture turns a driver's buffer-object lifecycle into an AUB
// trace.
//
// The Shim implements the Driver interface. A host driver (or a test
// harness) reports buffer creation, destruction and submissions; the
// Shim assigns each buffer a GPU virtual address, keeps the PPGTT
// mapped ahead of what a submission references, resolves relocations
// into private copies and drives the encoder so that every buffer's
// contents land in the trace before the execute record that consumes
// them.
//
// All Driver methods share one lock, so a multi-threaded host driver
// serializes on the shim and the output stream stays record-atomic.
package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/encode"
	"github.com/ValveSoftware/steamos-mesa/intel/device"
)

const pageSize = 4096

// Reloc is a deferred address patch: when the buffer carrying it is
// submitted, the slot at Offset is overwritten with the Target buffer's
// resolved address plus Delta.
type Reloc struct {
	Offset uint64 // byte offset of the slot within the buffer
	Target uint32 // handle of the referenced buffer
	Delta  uint64
}

// BufferRef names one buffer inside a submission.
type BufferRef struct {
	Handle uint32
	// Alignment constrains the assigned address. Zero means page
	// alignment only.
	Alignment uint32
	// Pinned marks the address as fixed by the caller rather than
	// allocated by the shim.
	Pinned  bool
	Address uint64
	Relocs  []Reloc
	// Data replaces the buffer's backing contents before encoding.
	// nil keeps whatever the backing already holds.
	Data []byte
}

// Submission is one batch execution: the buffers it references, which
// of them is the batch, and the engine to run it on.
type Submission struct {
	Engine aub.Engine
	// BatchFirst selects Buffers[0] as the batch buffer instead of the
	// last entry.
	BatchFirst bool
	// BatchStart is the byte offset of the first command within the
	// batch buffer.
	BatchStart uint64
	Buffers    []BufferRef
}

// Driver is the buffer-object lifecycle the shim consumes. A real
// interposition layer and a test harness drive it identically.
type Driver interface {
	CreateBuffer(handle uint32, size uint64) error
	DestroyBuffer(handle uint32) error
	Submit(sub Submission) error
}

type buffer struct {
	size     uint64
	addr     uint64
	resolved bool
	data     []byte
}

// Shim is the capture state machine. Create one per traced device with
// New.
type Shim struct {
	mu  sync.Mutex
	enc *encode.Encoder
	log *logrus.Logger
	app string

	bos    map[uint32]*buffer
	cursor uint64
	began  bool
}

var _ Driver = (*Shim)(nil)

// New creates a Shim for the configured device, writing the trace to
// every configured destination in lock-step.
func New(cfg *Config) (*Shim, error) {
	if len(cfg.writers) == 0 {
		return nil, errors.New("no output destination configured")
	}
	dev, err := device.Lookup(cfg.Device)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var out io.Writer
	if len(cfg.writers) == 1 {
		out = cfg.writers[0]
	} else {
		out = io.MultiWriter(cfg.writers...)
	}

	s := &Shim{
		enc: encode.New(out, dev),
		log: log,
		app: cfg.AppName,
		bos: map[uint32]*buffer{},
	}
	// Legacy traces address buffers above the linear GTT dump; paged
	// traces only keep the first page clear.
	if dev.UsesExeclists() {
		s.cursor = 0x1000
	} else {
		s.cursor = uint64(s.enc.GTTSize())
	}
	return s, nil
}

// Device returns the device the shim captures for.
func (s *Shim) Device() device.Info { return s.enc.Device() }

// CreateBuffer registers a buffer handle. The backing contents are
// resolved lazily, on the buffer's first use in a submission.
func (s *Shim) CreateBuffer(handle uint32, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bos[handle]; ok {
		return errors.Errorf("buffer %d already exists", handle)
	}
	s.bos[handle] = &buffer{size: size}
	s.log.WithFields(logrus.Fields{"handle": handle, "size": size}).Debug("create buffer")
	return nil
}

// DestroyBuffer releases a buffer handle and its backing.
func (s *Shim) DestroyBuffer(handle uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bos[handle]; !ok {
		return errors.Errorf("destroying unknown buffer %d", handle)
	}
	delete(s.bos, handle)
	return nil
}

func (s *Shim) get(handle uint32) (*buffer, error) {
	bo, ok := s.bos[handle]
	if !ok {
		return nil, errors.Errorf("unknown buffer %d", handle)
	}
	if bo.size == 0 {
		return nil, errors.Errorf("buffer %d has zero size", handle)
	}
	return bo, nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// place resolves the buffer's virtual address. Unpinned buffers get
// the next address once and keep it for the rest of the session.
func (s *Shim) place(bo *buffer, ref BufferRef) {
	if ref.Pinned {
		bo.addr = ref.Address
		bo.resolved = true
		s.log.WithFields(logrus.Fields{
			"handle": ref.Handle, "size": bo.size,
			"addr": fmt.Sprintf("0x%x", bo.addr),
		}).Debug("buffer pinned")
		return
	}
	if bo.resolved {
		return
	}
	addr := s.cursor
	if ref.Alignment != 0 {
		addr = alignUp(addr, uint64(ref.Alignment))
	}
	bo.addr = addr
	bo.resolved = true
	s.cursor = alignUp(addr+bo.size, pageSize)
	s.log.WithFields(logrus.Fields{
		"handle": ref.Handle, "size": bo.size,
		"addr": fmt.Sprintf("0x%x", bo.addr),
	}).Debug("buffer placed")
}

// relocate produces a private copy of the buffer with every relocation
// slot overwritten by its target's resolved address. The backing is
// left untouched.
func (s *Shim) relocate(bo *buffer, ref BufferRef) ([]byte, error) {
	data := make([]byte, len(bo.data))
	copy(data, bo.data)

	wide := s.Device().AddrBits() > 32
	width := uint64(4)
	if wide {
		width = 8
	}
	for _, rel := range ref.Relocs {
		if rel.Offset+width > bo.size {
			return nil, errors.Errorf(
				"relocation at 0x%x outside buffer %d (%d bytes)",
				rel.Offset, ref.Handle, bo.size)
		}
		target, err := s.get(rel.Target)
		if err != nil {
			return nil, errors.Wrapf(err, "relocation target of buffer %d", ref.Handle)
		}
		if !target.resolved {
			return nil, errors.Errorf(
				"relocation target %d of buffer %d has no address", rel.Target, ref.Handle)
		}
		v := target.addr + rel.Delta
		if wide {
			// The hardware ignores the top bits and assumes canonical
			// form, so store what it would compute.
			v = aub.CanonicalAddress(v)
			for i := uint64(0); i < 8; i++ {
				data[rel.Offset+i] = byte(v >> (8 * i))
			}
		} else {
			for i := uint64(0); i < 4; i++ {
				data[rel.Offset+i] = byte(v >> (8 * i))
			}
		}
	}
	return data, nil
}

// Submit encodes one submission: every referenced buffer's contents,
// then the execute record for the batch. The first submission also
// emits the file header.
func (s *Shim) Submit(sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sub.Buffers) == 0 {
		return errors.New("submission references no buffers")
	}

	if !s.began {
		if err := s.enc.WriteHeader(s.app); err != nil {
			return err
		}
		s.began = true
		s.log.WithFields(logrus.Fields{
			"device": s.Device().Name,
			"gen":    s.Device().Gen,
		}).Info("capture running")
	}

	// Resolve addresses and backing, and keep the PPGTT mapped ahead
	// of the writes below.
	for _, ref := range sub.Buffers {
		bo, err := s.get(ref.Handle)
		if err != nil {
			return err
		}
		s.place(bo, ref)
		if bo.data == nil {
			bo.data = make([]byte, bo.size)
		}
		if ref.Data != nil {
			if uint64(len(ref.Data)) > bo.size {
				return errors.Errorf("buffer %d: %d bytes of data for a %d byte buffer",
					ref.Handle, len(ref.Data), bo.size)
			}
			copy(bo.data, ref.Data)
		}
		if err := s.enc.MapPPGTT(bo.addr, bo.size); err != nil {
			return err
		}
	}

	batchIndex := len(sub.Buffers) - 1
	if sub.BatchFirst {
		batchIndex = 0
	}
	batchHandle := sub.Buffers[batchIndex].Handle

	for _, ref := range sub.Buffers {
		bo, _ := s.get(ref.Handle)
		data := bo.data
		if len(ref.Relocs) > 0 {
			var err error
			if data, err = s.relocate(bo, ref); err != nil {
				return err
			}
		}
		typ := uint32(aub.TraceTypeNone)
		if ref.Handle == batchHandle {
			typ = aub.TraceTypeBatch
		}
		if err := s.enc.TraceBlock(typ, bo.addr, data, uint32(bo.size)); err != nil {
			return err
		}
	}

	batch, _ := s.get(batchHandle)
	return s.enc.Exec(sub.Engine, batch.addr+sub.BatchStart, s.cursor)
}
