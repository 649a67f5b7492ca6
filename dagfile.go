// Copyright 2020 The go-etchash Authors
// This file is part of the go-etchash library.
//
// The go-etchash library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-etchash library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-etchash library. If not, see <http://www.gnu.org/licenses/>.

package etchash

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

const (
	// dagMagic marks a fully generated DAG file. It is written to the first
	// eight bytes only after the body has been filled and flushed, so a file
	// without it is at best a partial generation and must be rebuilt.
	dagMagic     uint64 = 0xFEE1DEADBADDCAFE
	dagMagicSize        = 8

	// algorithmRevision is the data structure version used for file naming.
	algorithmRevision = 23
)

// dagFileState describes what prepareDAGFile found on disk.
type dagFileState int

const (
	// dagMatch: correct length and a valid magic, the body is usable as-is.
	dagMatch dagFileState = iota
	// dagSizeMismatch: a file of unexpected length; must be recreated.
	dagSizeMismatch
	// dagMismatch: a fresh or unfinalized file whose body must be rebuilt.
	dagMismatch
)

// dagFilePath derives the deterministic DAG file name for a seed hash.
// Big endian hosts get their own files since the stored words are in
// canonical little-endian order only after swapping.
func dagFilePath(dir string, seed []byte) string {
	var endian string
	if !isLittleEndian() {
		endian = ".be"
	}
	return filepath.Join(dir, fmt.Sprintf("full-R%d-%x%s", algorithmRevision, seed[:8], endian))
}

// prepareDAGFile opens the DAG file for a seed, creating it at full length
// when absent. With force set any existing file is truncated and recreated,
// which is the recovery path for a length mismatch.
func prepareDAGFile(dir string, seed []byte, fullSize uint64, force bool) (*os.File, dagFileState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dagMismatch, err
	}
	path := dagFilePath(dir, seed)
	wantSize := int64(fullSize) + dagMagicSize

	if !force {
		if info, err := os.Stat(path); err == nil {
			if info.Size() != wantSize {
				return nil, dagSizeMismatch, nil
			}
			file, err := os.OpenFile(path, os.O_RDWR, 0644)
			if err != nil {
				return nil, dagMismatch, err
			}
			buf := make([]byte, dagMagicSize)
			if _, err := io.ReadFull(file, buf); err != nil {
				file.Close()
				return nil, dagMismatch, err
			}
			if binary.LittleEndian.Uint64(buf) == dagMagic {
				return file, dagMatch, nil
			}
			return file, dagMismatch, nil
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, dagMismatch, err
	}
	if err := file.Truncate(wantSize); err != nil {
		file.Close()
		return nil, dagMismatch, err
	}
	return file, dagMismatch, nil
}

// mmapDAGFile maps an open DAG file read-write shared and returns the map
// together with the uint32 view of the body past the magic prefix. The body
// view stays 4-byte aligned because the mapping itself is page aligned.
func mmapDAGFile(file *os.File, fullSize uint64) (mmap.MMap, []uint32, error) {
	mem, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(mem)) != fullSize+dagMagicSize {
		mem.Unmap()
		return nil, nil, fmt.Errorf("mapped %d bytes, want %d", len(mem), fullSize+dagMagicSize)
	}
	body := []byte(mem[dagMagicSize:])

	header := *(*reflect.SliceHeader)(unsafe.Pointer(&body))
	header.Len /= 4
	header.Cap /= 4

	return mem, *(*[]uint32)(unsafe.Pointer(&header)), nil
}

// finalizeDAGFile publishes a freshly generated DAG by writing the magic
// number at the file start and syncing. The caller must have flushed the
// mapped body first; only after the sync returns is the file considered
// valid by a later prepareDAGFile.
func finalizeDAGFile(file *os.File) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var buf [dagMagicSize]byte
	binary.LittleEndian.PutUint64(buf[:], dagMagic)
	if _, err := file.Write(buf[:]); err != nil {
		return err
	}
	return file.Sync()
}
