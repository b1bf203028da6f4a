package proc

import (
	"encoding/binary"
	"fmt"
)

// Page protection flags, with the values Windows uses for them.
const (
	PageNoAccess         uint32 = 0x01
	PageReadOnly         uint32 = 0x02
	PageReadWrite        uint32 = 0x04
	PageExecute          uint32 = 0x10
	PageExecuteRead      uint32 = 0x20
	PageExecuteReadWrite uint32 = 0x40
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Memory is the host process memory as seen from inside the process.
type Memory interface {
	MemoryReadWriter
	// Protect changes the protection of [addr, addr+size) to prot and
	// returns the previous protection.
	Protect(addr, size uint64, prot uint32) (old uint32, err error)
	// Alloc commits size bytes of read/write/execute memory.
	Alloc(size uint64) (uint64, error)
	// Free releases memory returned by Alloc.
	Free(addr uint64) error
	// ModuleBase returns the load address of the named module.
	ModuleBase(name string) (uint64, error)
}

// MemoryError describes a failed access to host memory.
type MemoryError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("could not %s memory at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}

// InvalidSizeError is returned for integer accesses whose width is not
// 1, 2, 4 or 8 bytes.
type InvalidSizeError struct {
	Size int
}

func (e InvalidSizeError) Error() string {
	return fmt.Sprintf("invalid access size %d", e.Size)
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return InvalidSizeError{size}
}

// ReadUint reads a little endian unsigned integer of size bytes at addr.
func ReadUint(mem MemoryReader, addr uint64, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:size], addr); err != nil {
		return 0, &MemoryError{"read", addr, err}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint writes the low size bytes of value at addr, temporarily
// making the range writable.
func WriteUint(mem Memory, addr, value uint64, size int) error {
	if err := checkSize(size); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return writeProtected(mem, addr, buf[:size])
}

// writeProtected writes data at addr under a temporary
// PAGE_EXECUTE_READWRITE protection, restoring the previous protection
// afterwards.
func writeProtected(mem Memory, addr uint64, data []byte) error {
	old, err := mem.Protect(addr, uint64(len(data)), PageExecuteReadWrite)
	if err != nil {
		return &MemoryError{"unprotect", addr, err}
	}
	defer mem.Protect(addr, uint64(len(data)), old)
	if _, err := mem.WriteMemory(addr, data); err != nil {
		return &MemoryError{"write", addr, err}
	}
	return nil
}

// swapByte replaces the byte at addr with b and returns the byte that was
// there before.
func swapByte(mem Memory, addr uint64, b byte) (byte, error) {
	old, err := mem.Protect(addr, 1, PageExecuteReadWrite)
	if err != nil {
		return 0, &MemoryError{"unprotect", addr, err}
	}
	defer mem.Protect(addr, 1, old)
	prev := []byte{0}
	if _, err := mem.ReadMemory(prev, addr); err != nil {
		return 0, &MemoryError{"read", addr, err}
	}
	if _, err := mem.WriteMemory(addr, []byte{b}); err != nil {
		return 0, &MemoryError{"write", addr, err}
	}
	return prev[0], nil
}
