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

package capture

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config holds the capture session settings.
type Config struct {
	// Verbose turns on per-buffer logging.
	Verbose bool
	// Device is the PCI id to capture for.
	Device uint32
	// AppName is recorded in the trace header.
	AppName string

	writers []io.Writer
}

// AddOutput adds a trace destination. Every record is written to all
// destinations before the submission that produced it returns.
func (c *Config) AddOutput(w io.Writer) {
	c.writers = append(c.writers, w)
}

// ParseConfig reads a key=value configuration stream, one pair per
// line. Recognized keys:
//
//	verbose            per-buffer logging
//	device=<id>        PCI id override (0x prefix accepted)
//	file=<path>        trace output file
//	command=<argv>     comma-separated command to spawn; the trace is
//	                   piped into its standard input
//
// Unrecognized keys are reported and ignored.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := &Config{AppName: filepath.Base(os.Args[0])}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		switch key {
		case "verbose":
			cfg.Verbose = true
		case "device":
			id, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse device id %q", value)
			}
			cfg.Device = uint32(id)
		case "file":
			f, err := os.Create(value)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open file %q", value)
			}
			cfg.AddOutput(f)
		case "command":
			w, err := startCommand(value)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to launch command %q", value)
			}
			cfg.AddOutput(w)
		default:
			logrus.Warnf("unknown option %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startCommand spawns a comma-separated argv and returns a pipe to its
// standard input.
func startCommand(command string) (io.Writer, error) {
	args := strings.Split(command, ",")
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return pipe, nil
}
