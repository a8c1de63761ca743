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

package aub_test

import (
	"testing"

	"github.com/ValveSoftware/steamos-mesa/intel/aub"
)

func TestHeaderWordRoundTrip(t *testing.T) {
	h := aub.MakeHeader(aub.ClassAUB, aub.OpcodeMemtrace, aub.SubopcodeMemWrite) | 42
	if got := aub.RecordClass(h); got != aub.ClassAUB {
		t.Errorf("RecordClass = %#x, want %#x", got, aub.ClassAUB)
	}
	if got := aub.RecordOpcode(h); got != aub.OpcodeMemtrace {
		t.Errorf("RecordOpcode = %#x, want %#x", got, aub.OpcodeMemtrace)
	}
	if got := aub.RecordSubopcode(h); got != aub.SubopcodeMemWrite {
		t.Errorf("RecordSubopcode = %#x, want %#x", got, aub.SubopcodeMemWrite)
	}
	if got := aub.RecordLength(h); got != 42 {
		t.Errorf("RecordLength = %d, want 42", got)
	}
}

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		raw, canonical uint64
	}{
		{0x0000800000001000, 0xffff800000001000},
		{0x00007fffffffffff, 0x00007fffffffffff},
		{0x0000000000001000, 0x0000000000001000},
	}
	for _, test := range tests {
		if got := aub.CanonicalAddress(test.raw); got != test.canonical {
			t.Errorf("CanonicalAddress(%#x) = %#x, want %#x", test.raw, got, test.canonical)
		}
		if got := aub.Strip48bAddress(test.canonical); got != test.raw {
			t.Errorf("Strip48bAddress(%#x) = %#x, want %#x", test.canonical, got, test.raw)
		}
	}
}

func TestMILoadRegisterImm(t *testing.T) {
	// MI_LOAD_REGISTER_IMM dword count is 2n+1, encoded as length-2.
	if got := aub.MILoadRegisterImm(14); got != 0x22<<23|27 {
		t.Errorf("MILoadRegisterImm(14) = %#x, want %#x", got, 0x22<<23|27)
	}
}
