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
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func newTestFull(dir string) *Full {
	return &Full{Dir: dir, test: true, turbo: true, light: &Light{test: true}}
}

// readMagic returns the first eight bytes of the DAG file for the test seed.
func readMagic(t *testing.T, dir string) uint64 {
	t.Helper()
	buf, err := os.ReadFile(dagFilePath(dir, seedHash(1)))
	if err != nil {
		t.Fatalf("failed to read DAG file: %v", err)
	}
	if len(buf) < dagMagicSize {
		t.Fatalf("DAG file shorter than the magic prefix: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint64(buf[:dagMagicSize])
}

// Tests the prepare state machine on its own: fresh creation, reopening a
// finalized file, size mismatches and forced recreation.
func TestPrepareDAGFile(t *testing.T) {
	dir := t.TempDir()
	seed := seedHash(1)

	file, state, err := prepareDAGFile(dir, seed, dagSizeForTesting, false)
	if err != nil {
		t.Fatalf("failed to create DAG file: %v", err)
	}
	if state != dagMismatch {
		t.Fatalf("fresh file state mismatch: have %v, want %v", state, dagMismatch)
	}
	if info, _ := file.Stat(); info.Size() != int64(dagSizeForTesting)+dagMagicSize {
		t.Fatalf("fresh file size mismatch: have %d", info.Size())
	}
	if err := finalizeDAGFile(file); err != nil {
		t.Fatalf("failed to finalize DAG file: %v", err)
	}
	file.Close()

	// A finalized file of the right size matches
	file, state, err = prepareDAGFile(dir, seed, dagSizeForTesting, false)
	if err != nil {
		t.Fatalf("failed to reopen DAG file: %v", err)
	}
	if state != dagMatch {
		t.Fatalf("finalized file state mismatch: have %v, want %v", state, dagMatch)
	}
	file.Close()

	// A different requested size reports a mismatch without a file handle
	if _, state, err = prepareDAGFile(dir, seed, 2*dagSizeForTesting, false); err != nil || state != dagSizeMismatch {
		t.Fatalf("resized request state mismatch: have %v/%v, want %v", state, err, dagSizeMismatch)
	}
	// Forcing recreation always lands on the rebuild branch
	file, state, err = prepareDAGFile(dir, seed, 2*dagSizeForTesting, true)
	if err != nil {
		t.Fatalf("failed to recreate DAG file: %v", err)
	}
	if state != dagMismatch {
		t.Fatalf("recreated file state mismatch: have %v, want %v", state, dagMismatch)
	}
	if info, _ := file.Stat(); info.Size() != 2*int64(dagSizeForTesting)+dagMagicSize {
		t.Fatalf("recreated file size mismatch: have %d", info.Size())
	}
	file.Close()
}

// Tests that a generated DAG is persisted, finalized with the magic number,
// and served from disk on the next open without regeneration.
func TestDAGFilePersistence(t *testing.T) {
	dir := t.TempDir()
	hash := common.HexToHash("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d")

	pow := newTestFull(dir)
	mix1, result1, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("initial compute failed: %v", err)
	}
	pow.Close()

	if have := readMagic(t, dir); have != dagMagic {
		t.Fatalf("magic number mismatch: have %016x, want %016x", have, dagMagic)
	}
	// Reopen: the finalized file must be used as-is, so any progress
	// callback invocation means the body was regenerated.
	pow = newTestFull(dir)
	pow.Progress = func(percent uint32) error {
		t.Errorf("unexpected DAG regeneration at %d%%", percent)
		return nil
	}
	mix2, result2, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("reopen compute failed: %v", err)
	}
	pow.Close()

	if mix1 != mix2 || result1 != result2 {
		t.Errorf("persisted DAG diverged: have (%x, %x), want (%x, %x)", mix2, result2, mix1, result1)
	}
}

// Tests that a DAG file that lost its magic number (crash before the
// finalizing write) is rebuilt instead of served stale.
func TestDAGFileCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	hash := common.HexToHash("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d")

	pow := newTestFull(dir)
	mix1, result1, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("initial compute failed: %v", err)
	}
	pow.Close()

	// Tear out the magic number, simulating a crash between the body flush
	// and the finalizing write.
	file, err := os.OpenFile(dagFilePath(dir, seedHash(1)), os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteAt(make([]byte, dagMagicSize), 0); err != nil {
		t.Fatal(err)
	}
	file.Close()

	var regenerated bool
	pow = newTestFull(dir)
	pow.Progress = func(percent uint32) error {
		regenerated = true
		return nil
	}
	mix2, result2, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("recovery compute failed: %v", err)
	}
	pow.Close()

	if !regenerated {
		t.Error("unfinalized DAG body served without a rebuild")
	}
	if mix1 != mix2 || result1 != result2 {
		t.Errorf("rebuilt DAG diverged: have (%x, %x), want (%x, %x)", mix2, result2, mix1, result1)
	}
	if have := readMagic(t, dir); have != dagMagic {
		t.Errorf("magic number not restored: have %016x", have)
	}
}

// Tests that a DAG file of the wrong length is recreated at the right size.
func TestDAGFileSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	hash := common.HexToHash("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d")

	pow := newTestFull(dir)
	mix1, result1, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("initial compute failed: %v", err)
	}
	pow.Close()

	path := dagFilePath(dir, seedHash(1))
	if err := os.Truncate(path, 1234); err != nil {
		t.Fatal(err)
	}
	pow = newTestFull(dir)
	mix2, result2, err := pow.Compute(1, hash, 42)
	if err != nil {
		t.Fatalf("recovery compute failed: %v", err)
	}
	pow.Close()

	if mix1 != mix2 || result1 != result2 {
		t.Errorf("recreated DAG diverged: have (%x, %x), want (%x, %x)", mix2, result2, mix1, result1)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(dagSizeForTesting)+dagMagicSize {
		t.Errorf("recreated file size mismatch: have %d, want %d", info.Size(), dagSizeForTesting+dagMagicSize)
	}
	if have := readMagic(t, dir); have != dagMagic {
		t.Errorf("magic number missing after recreation: have %016x", have)
	}
}

// Tests that cancelling the generation leaves no magic number behind, so the
// partial body can never be mistaken for a valid DAG.
func TestDAGFileCancelledGeneration(t *testing.T) {
	dir := t.TempDir()
	hash := common.HexToHash("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d")

	errStop := errors.New("stop")
	pow := newTestFull(dir)
	pow.Progress = func(percent uint32) error { return errStop }

	if _, _, err := pow.Compute(1, hash, 42); err != errGenerationCancelled {
		t.Fatalf("cancellation error mismatch: have %v, want %v", err, errGenerationCancelled)
	}
	pow.Close()

	if have := readMagic(t, dir); have == dagMagic {
		t.Error("cancelled generation left a valid magic number")
	}
	// A fresh engine without the cancelling callback must rebuild cleanly
	pow = newTestFull(dir)
	if _, _, err := pow.Compute(1, hash, 42); err != nil {
		t.Fatalf("rebuild after cancellation failed: %v", err)
	}
	pow.Close()

	if have := readMagic(t, dir); have != dagMagic {
		t.Errorf("rebuild did not finalize the DAG: have %016x", have)
	}
}
