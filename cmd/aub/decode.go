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

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/decode"
	"github.com/ValveSoftware/steamos-mesa/intel/device"
)

var errLineLimit = errors.New("line limit reached")

type decodeCmd struct {
	gen      string
	pciID    uint
	headers  bool
	maxLines int
	verbose  bool

	dec      *decode.Decoder
	lines    int
	reported bool
}

func (*decodeCmd) Name() string { return "decode" }

func (*decodeCmd) Synopsis() string {
	return "list the execute events and command dwords of a trace"
}

func (*decodeCmd) Usage() string {
	return `decode [flags] <trace.aub>

Replays the trace's memory writes and prints, for each execute event,
the engine, the ring slice and the raw command dwords it submits.

OPTIONS:
`
}

func (c *decodeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.gen, "gen", "", "decode for this platform name (skl, icl, ...) instead of the trace header's device")
	f.UintVar(&c.pciID, "device", 0, "decode for this PCI id instead of the trace header's device")
	f.BoolVar(&c.headers, "headers", false, "print only the per-event banner, not the command dwords")
	f.IntVar(&c.maxLines, "max-lines", 0, "stop after printing this many dword lines (0 = no limit)")
	f.BoolVar(&c.verbose, "verbose", false, "log every record as it is replayed")
}

func (c *decodeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	data, done, err := mmapFile(f.Arg(0))
	if err != nil {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer done()

	d := decode.New(c.onBatch)
	c.dec = d
	if c.gen != "" {
		dev, err := device.ByName(c.gen)
		if err != nil {
			logrus.Errorf("%v", err)
			return subcommands.ExitUsageError
		}
		d.OverrideDevice(dev)
	} else if c.pciID != 0 {
		dev, err := device.Lookup(uint32(c.pciID))
		if err != nil {
			logrus.Errorf("%v", err)
			return subcommands.ExitUsageError
		}
		d.OverrideDevice(dev)
	}

	if err := d.Decode(ctx, data); err != nil && errors.Cause(err) != errLineLimit {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// onBatch prints one execute event: the banner, then the ring slice's
// dwords, then the batch buffer each MI_BATCH_BUFFER_START jumps to.
func (c *decodeCmd) onBatch(_ context.Context, engine aub.Engine, addr uint64, commands []byte, mem *decode.Memory) error {
	if !c.reported {
		if dev, ok := c.dec.Device(); ok {
			fmt.Printf("device: %s (gen%d, pci-id 0x%04x)\n", dev.Name, dev.Gen, dev.PCIID)
		}
		c.reported = true
	}

	fmt.Printf("%s ring at 0x%09x, %d bytes\n", engine, addr, len(commands))
	if c.headers {
		return nil
	}
	if err := c.listDwords(addr, commands); err != nil {
		return err
	}

	// Follow batch-buffer-start commands one level deep.
	for off := 0; off+4 <= len(commands); off += 4 {
		w := binary.LittleEndian.Uint32(commands[off:])
		if w&^(aub.MIBatchNonSecure|0x3f) != aub.MIBatchBufferStart {
			continue
		}
		n := int(w&0x3f) + 2
		if off+n*4 > len(commands) {
			break
		}
		va := uint64(binary.LittleEndian.Uint32(commands[off+4:]))
		if n >= 3 {
			va |= uint64(binary.LittleEndian.Uint32(commands[off+8:])) << 32
		}
		blk, ok := mem.GetPPGTTBlock(va)
		if !ok {
			blk, ok = mem.GetGGTTBlock(va)
		}
		if !ok {
			fmt.Printf("  batch at 0x%09x: unmapped\n", va)
			continue
		}
		fmt.Printf("  batch at 0x%09x:\n", va)
		if err := c.listDwords(va, blk.At(va)); err != nil {
			return err
		}
		off += (n - 1) * 4
	}
	return nil
}

func (c *decodeCmd) listDwords(addr uint64, data []byte) error {
	for off := 0; off+4 <= len(data); off += 4 {
		if c.maxLines > 0 && c.lines >= c.maxLines {
			return errLineLimit
		}
		fmt.Printf("0x%09x:  0x%08x\n", addr+uint64(off), binary.LittleEndian.Uint32(data[off:]))
		c.lines++
	}
	return nil
}

// mmapFile maps the trace read-only. Traces from long captures run to
// gigabytes, so avoid reading them into the heap.
func mmapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, nil, errors.Errorf("%s is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to map %s", path)
	}
	return data, func() { unix.Munmap(data) }, nil
}
