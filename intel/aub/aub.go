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

// Package aub defines the AUB container wire format: the record header
// word layout and the constants shared by the encoder and the decoder.
//
// An AUB file is a stream of little-endian dwords. The first dword of
// every record packs a record class (bits 31-29), an opcode (bits 28-23),
// a subopcode (bits 22-16) and the count of trailing header dwords
// (bits 15-0). Two dialects share the container: the legacy linear-GTT
// records (opcode 0x01) and the paged "memtrace" records (opcode 0x2e)
// used by execlist-capable devices.
package aub

// MakeHeader packs a record class, opcode and subopcode into the high
// half of a record header dword.
func MakeHeader(class, opcode, subopcode uint32) uint32 {
	return class<<29 | opcode<<23 | subopcode<<16
}

// RecordClass extracts the record class from a header dword.
func RecordClass(dw uint32) uint32 { return dw >> 29 & 0x7 }

// RecordOpcode extracts the opcode from a header dword.
func RecordOpcode(dw uint32) uint32 { return dw >> 23 & 0x3f }

// RecordSubopcode extracts the subopcode from a header dword.
func RecordSubopcode(dw uint32) uint32 { return dw >> 16 & 0x7f }

// RecordLength extracts the trailing header dword count from a header
// dword. The count excludes a per-opcode bias: 2 dwords for legacy
// records, 1 for memtrace records.
func RecordLength(dw uint32) int { return int(dw & 0xffff) }

// Record classes and opcodes.
const (
	ClassAUB = 0x7

	OpcodeAUB      = 0x01 // legacy records
	OpcodeMemtrace = 0x2e // paged records

	SubopcodeHeader = 0x05
	SubopcodeBlock  = 0x41
	SubopcodeBMP    = 0x1e

	SubopcodeRegPoll  = 0x02
	SubopcodeRegWrite = 0x03
	SubopcodeMemPoll  = 0x05
	SubopcodeMemWrite = 0x06
	SubopcodeVersion  = 0x0e
)

// Assembled record header words.
var (
	CmdAUBHeader           = MakeHeader(ClassAUB, OpcodeAUB, SubopcodeHeader)
	CmdAUBTraceHeaderBlock = MakeHeader(ClassAUB, OpcodeAUB, SubopcodeBlock)
	CmdAUBDumpBMP          = MakeHeader(ClassAUB, OpcodeAUB, SubopcodeBMP)

	CmdMemtraceRegPoll  = MakeHeader(ClassAUB, OpcodeMemtrace, SubopcodeRegPoll)
	CmdMemtraceRegWrite = MakeHeader(ClassAUB, OpcodeMemtrace, SubopcodeRegWrite)
	CmdMemtraceMemPoll  = MakeHeader(ClassAUB, OpcodeMemtrace, SubopcodeMemPoll)
	CmdMemtraceMemWrite = MakeHeader(ClassAUB, OpcodeMemtrace, SubopcodeMemWrite)
	CmdMemtraceVersion  = MakeHeader(ClassAUB, OpcodeMemtrace, SubopcodeVersion)
)

// Legacy file header fields.
const (
	HeaderMajorShift = 24
	HeaderMinorShift = 16
)

// Legacy trace block type word: operation, data type and address space
// are packed into the dword following the record header.
const (
	TraceOperationMask = 0x000000ff
	TraceOpComment     = 0x00000000
	TraceOpDataWrite   = 0x00000001
	TraceOpCmdWrite    = 0x00000002
	TraceOpMMIOWrite   = 0x00000003

	TraceTypeMask     = 0x0000ff00
	TraceTypeNone     = 0 << 8
	TraceTypeBatch    = 1 << 8
	TraceTypeRingHWB  = 1 << 8
	TraceTypeRingPRB0 = 2 << 8
	TraceTypeRingPRB1 = 3 << 8
	TraceTypeRingPRB2 = 4 << 8
	TraceTypeVertex   = 5 << 8
	TraceTypeGeneral  = 14 << 8
	TraceTypeSurface  = 15 << 8

	TraceAddressSpaceMask = 0x00ff0000
	TraceMemtypeGTT       = 0 << 16
	TraceMemtypeLocal     = 1 << 16
	TraceMemtypeNonlocal  = 2 << 16
	TraceMemtypePCI       = 3 << 16
	TraceMemtypeGTTEntry  = 4 << 16
)

// Memtrace version record fields.
const (
	MemtraceVersionFileVersion = 1
	MemtraceVersionDeviceShift = 8
	MemtraceVersionDeviceMask  = 0x0000ff00
)

// Memtrace memory write address space tags.
const (
	AddressSpaceMask      = 0xf0000000
	AddressSpaceGGTT      = 0 << 28
	AddressSpaceLocal     = 1 << 28
	AddressSpacePhysical  = 2 << 28
	AddressSpaceGGTTEntry = 4 << 28
)

// Memtrace register write/poll fields.
const (
	RegisterSizeMask  = 0x000f0000
	RegisterSizeByte  = 0 << 16
	RegisterSizeWord  = 1 << 16
	RegisterSizeDword = 2 << 16
	RegisterSizeQword = 3 << 16

	RegisterSpaceMask = 0xf0000000
	RegisterSpaceMMIO = 0 << 28
	RegisterSpaceVGA  = 1 << 28
	RegisterSpacePCI  = 2 << 28
)

// MI commands emitted into rings and context images.
const (
	MIBatchBufferStart = 0x31 << 23
	MIBatchBufferEnd   = 0x0a << 23
	MIBatchNonSecure   = 1 << 8
	MILRIForcePosted   = 1 << 12
)

// MILoadRegisterImm returns the MI_LOAD_REGISTER_IMM header for n
// register/value pairs.
func MILoadRegisterImm(n int) uint32 {
	return 0x22<<23 | uint32(2*n-1)
}

// CanonicalAddress sign-extends a 48-bit virtual address to the canonical
// 64-bit form the hardware assumes: bits 63-48 replicate bit 47.
func CanonicalAddress(addr uint64) uint64 {
	return uint64(int64(addr<<16) >> 16)
}

// Strip48bAddress drops the canonical high bits, returning the raw 48-bit
// address.
func Strip48bAddress(addr uint64) uint64 {
	return addr & (1<<48 - 1)
}
