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
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
	"github.com/ValveSoftware/steamos-mesa/intel/aub/capture"
)

type genCmd struct {
	pciID      uint
	out        string
	configPath string
}

func (*genCmd) Name() string { return "gen" }

func (*genCmd) Synopsis() string {
	return "write a small sample trace through the capture shim"
}

func (*genCmd) Usage() string {
	return `gen [flags]

Produces a trace with two buffers, one relocation and one render
submission. Useful as decoder input and for diffing capture changes.

OPTIONS:
`
}

func (c *genCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.pciID, "device", 0x1902, "PCI id to capture for")
	f.StringVar(&c.out, "out", "sample.aub", "trace output path")
	f.StringVar(&c.configPath, "config", "", "capture configuration file (same key=value format the shim reads)")
}

func (c *genCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := &capture.Config{Device: uint32(c.pciID), AppName: "aub gen"}
	if c.configPath != "" {
		in, err := os.Open(c.configPath)
		if err != nil {
			logrus.Errorf("%v", err)
			return subcommands.ExitFailure
		}
		cfg, err = capture.ParseConfig(in)
		in.Close()
		if err != nil {
			logrus.Errorf("%v", err)
			return subcommands.ExitFailure
		}
		if cfg.Device == 0 {
			cfg.Device = uint32(c.pciID)
		}
	}
	out, err := os.Create(c.out)
	if err != nil {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	defer out.Close()
	cfg.AddOutput(out)

	shim, err := capture.New(cfg)
	if err != nil {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	if err := sampleSubmission(shim); err != nil {
		logrus.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	logrus.Infof("wrote %s for %s", c.out, shim.Device().Name)
	return subcommands.ExitSuccess
}

// sampleSubmission drives the shim the way a host driver would: a data
// buffer, a batch referencing it through a relocation, one submission.
func sampleSubmission(drv capture.Driver) error {
	const (
		dataHandle  = 1
		batchHandle = 2
		slotOffset  = 8
	)
	if err := drv.CreateBuffer(dataHandle, 4096); err != nil {
		return err
	}
	if err := drv.CreateBuffer(batchHandle, 4096); err != nil {
		return err
	}

	// A no-op batch: two MI_NOOPs where a real driver would address the
	// data buffer, then MI_BATCH_BUFFER_END.
	batch := make([]byte, 4096)
	binary.LittleEndian.PutUint32(batch[16:], aub.MIBatchBufferEnd)

	err := drv.Submit(capture.Submission{
		Engine: aub.Render,
		Buffers: []capture.BufferRef{
			{Handle: dataHandle},
			{Handle: batchHandle, Data: batch,
				Relocs: []capture.Reloc{{Offset: slotOffset, Target: dataHandle}}},
		},
	})
	if err != nil {
		return err
	}

	if err := drv.DestroyBuffer(batchHandle); err != nil {
		return err
	}
	return drv.DestroyBuffer(dataHandle)
}
