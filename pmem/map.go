// Package pmem provides word access to physical register windows.
package pmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a window of 32-bit registers addressed by byte offset.
type Region interface {
	Name() string
	Read32(offset int64) uint32
	Write32(offset int64, val uint32)
	Close() error
}

const (
	PgSize = 4096
	PgMask = ^int64(PgSize - 1)
)

var DevName = "/dev/mem"

type MemRegion struct {
	name string
	mem  []byte
	// whole page-aligned mapping, nil for in-memory regions
	mapping []byte
}

func (m *MemRegion) Name() string { return m.name }

func (m *MemRegion) Size() int64 { return int64(len(m.mem)) }

func (m *MemRegion) Close() error {
	if m.mapping == nil {
		m.mem = nil
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping, m.mem = nil, nil
	if err != nil {
		return fmt.Errorf("%s: munmap: %w", m.name, err)
	}
	return nil
}

// NewMem returns a region backed by ordinary memory, all registers zero.
func NewMem(name string, size int64) *MemRegion {
	return &MemRegion{name: name, mem: make([]byte, size)}
}

func openDev(write bool) (*os.File, int, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if write {
		flag, prot = os.O_RDWR|os.O_SYNC, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(DevName, flag, 0)
	if err != nil {
		return nil, 0, err
	}
	return f, prot, nil
}

// Map maps size bytes of physical memory at hwaddr from DevName. The
// mapping is widened to whole pages; the returned region only exposes
// [hwaddr, hwaddr+size).
func Map(name string, hwaddr, size int64, write bool) (*MemRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s: bad window size %d", name, size)
	}
	page := hwaddr & PgMask
	off := hwaddr - page
	ioLen := off + size
	ioLen += (-ioLen) & (PgSize - 1) // round-up to number of pages

	f, prot, err := openDev(write)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), page, int(ioLen), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap %#x+%#x: %w", name, page, ioLen, err)
	}
	return &MemRegion{name: name, mem: data[off : off+size], mapping: data}, nil
}

// Store writes val and reads the register back to force the write out of
// any posting buffer before the next access.
func Store(r Region, offset int64, val uint32) {
	r.Write32(offset, val)
	_ = r.Read32(offset)
}
