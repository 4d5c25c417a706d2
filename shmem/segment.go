// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shmem implements the process-shared memory region: the fixed main
// segment holding the connection table and module index, and the growable
// ext segment holding module records, subscription arrays and strings.
// Everything stored in the region is addressed by offset, never by pointer,
// so that independent processes can map it at different addresses.
package shmem

import (
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lf-edge/yangds/types"
)

const (
	// MagicStr identifies region and channel files
	MagicStr = "SRV1"
	// Version of the on-disk layout
	Version = 1
	// MagicSize is the byte size of the file magic header
	MagicSize = 16

	endianProbe = uint32(0x01020304)
)

// fileMagic is the 16-byte header at offset 0 of every mapped file
type fileMagic struct {
	magic    [4]byte
	version  uint32
	endian   uint32
	pageSize uint32
}

// WriteMagic stamps the magic header at the start of a mapped region
func WriteMagic(mem []byte) {
	m := (*fileMagic)(unsafe.Pointer(&mem[0]))
	copy(m.magic[:], MagicStr)
	m.version = Version
	m.endian = endianProbe
	m.pageSize = uint32(os.Getpagesize())
}

// CheckMagic validates the magic header of a mapped region. Returns
// UNSUPPORTED on any mismatch.
func CheckMagic(mem []byte) *types.Error {
	if len(mem) < MagicSize {
		return types.Errorf(types.ErrUnsupported, "region smaller than its magic header")
	}
	m := (*fileMagic)(unsafe.Pointer(&mem[0]))
	if string(m.magic[:]) != MagicStr {
		return types.Errorf(types.ErrUnsupported, "bad magic %q", m.magic)
	}
	if m.version != Version {
		return types.Errorf(types.ErrUnsupported, "layout version %d, expected %d",
			m.version, Version)
	}
	if m.endian != endianProbe {
		return types.Errorf(types.ErrUnsupported, "endianness mismatch")
	}
	if m.pageSize != uint32(os.Getpagesize()) {
		return types.Errorf(types.ErrUnsupported, "page size %d, expected %d",
			m.pageSize, os.Getpagesize())
	}
	return nil
}

// Segment is one mapped shared memory file
type Segment struct {
	File *os.File
	Mem  []byte
	Path string
	// Superseded mappings are kept alive until Close: pointers derived
	// before a growth stay valid, and MAP_SHARED keeps every mapping of
	// the file coherent.
	old [][]byte
}

// CreateOrOpenSegment maps path, creating it with initSize zeroed bytes if
// absent. created reports whether this call made the file.
func CreateOrOpenSegment(path string, initSize int) (seg *Segment, created bool, err *types.Error) {
	file, oserr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if oserr == nil {
		created = true
		if oserr = file.Truncate(int64(initSize)); oserr != nil {
			file.Close()
			os.Remove(path)
			return nil, false, types.SysErrorf(oserr, "truncate %s", path)
		}
	} else if os.IsExist(oserr) {
		file, oserr = os.OpenFile(path, os.O_RDWR, 0)
		if oserr != nil {
			return nil, false, types.SysErrorf(oserr, "open %s", path)
		}
	} else {
		return nil, false, types.SysErrorf(oserr, "create %s", path)
	}

	info, oserr := file.Stat()
	if oserr != nil {
		file.Close()
		return nil, false, types.SysErrorf(oserr, "stat %s", path)
	}
	mem, merr := mapFile(file, int(info.Size()))
	if merr != nil {
		file.Close()
		return nil, false, merr
	}
	return &Segment{File: file, Mem: mem, Path: path}, created, nil
}

// Remap resizes the file to newSize if larger than the current mapping and
// maps it again. The superseded mapping is kept until Close, so pointers
// derived from the old Mem stay valid.
func (seg *Segment) Remap(newSize int) *types.Error {
	if newSize > len(seg.Mem) {
		if err := seg.File.Truncate(int64(newSize)); err != nil {
			return types.SysErrorf(err, "truncate %s", seg.Path)
		}
	} else {
		// A peer already grew the file; adopt its size
		info, err := seg.File.Stat()
		if err != nil {
			return types.SysErrorf(err, "stat %s", seg.Path)
		}
		if int(info.Size()) <= len(seg.Mem) {
			return nil
		}
		newSize = int(info.Size())
	}
	mem, merr := mapFile(seg.File, newSize)
	if merr != nil {
		return merr
	}
	seg.old = append(seg.old, seg.Mem)
	seg.Mem = mem
	return nil
}

// Close unmaps and closes the segment
func (seg *Segment) Close() {
	if seg.Mem != nil {
		unix.Munmap(seg.Mem)
		seg.Mem = nil
	}
	for _, m := range seg.old {
		unix.Munmap(m)
	}
	seg.old = nil
	if seg.File != nil {
		seg.File.Close()
		seg.File = nil
	}
}

func mapFile(file *os.File, size int) ([]byte, *types.Error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, types.SysErrorf(err, "mmap %s", file.Name())
	}
	return mem, nil
}

// NextPowerOfTwo returns the next power of two >= n
func NextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

// alignUp aligns n to an 8-byte boundary so that 64-bit atomics inside
// allocated records stay aligned
func alignUp(n uint32) uint32 {
	return (n + 7) &^ 7
}

// MainPath returns the main segment path under dir
func MainPath(dir string) string {
	return filepath.Join(dir, "main.sr")
}

// ExtPath returns the ext segment path under dir
func ExtPath(dir string) string {
	return filepath.Join(dir, "ext.sr")
}
