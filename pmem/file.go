package pmem

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileRegion accesses registers with pread/pwrite on DevName, for kernels
// that refuse to mmap the window.
type FileRegion struct {
	name string
	fd   *os.File
	base int64
	size int64
}

func (m *FileRegion) check(offset int64) {
	if offset < 0 || offset+4 > m.size {
		panic(fmt.Errorf("%s: offset %#x outside window of %#x bytes",
			m.name, offset, m.size))
	}
}

func (m *FileRegion) Read32(offset int64) uint32 {
	var b [4]byte
	m.check(offset)
	n, err := unix.Pread(int(m.fd.Fd()), b[:], offset+m.base)
	if err != nil || n != 4 {
		panic(fmt.Errorf("%s: read %#x: %v", m.name, offset+m.base, err))
	}
	return binary.NativeEndian.Uint32(b[:])
}

func (m *FileRegion) Write32(offset int64, val uint32) {
	var b [4]byte
	m.check(offset)
	binary.NativeEndian.PutUint32(b[:], val)
	n, err := unix.Pwrite(int(m.fd.Fd()), b[:], offset+m.base)
	if err != nil || n != 4 {
		panic(fmt.Errorf("%s: write %#x: %v", m.name, offset+m.base, err))
	}
}

func (m *FileRegion) Name() string { return m.name }

func (m *FileRegion) Close() error {
	if m.fd == nil {
		return nil
	}
	err := m.fd.Close()
	m.fd = nil
	return err
}

func FileMap(name string, hwaddr, size int64, write bool) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%s: bad window size %d", name, size)
	}
	f, _, err := openDev(write)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &FileRegion{name: name, fd: f, base: hwaddr, size: size}, nil
}
