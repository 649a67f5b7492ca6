// Copyright 2017 The go-ethereum Authors
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
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tests the epoch schedule around the ECIP-1099 activation.
func TestCalcEpoch(t *testing.T) {
	fork := uint64(11700000)

	tests := []struct {
		block       uint64
		fork        *uint64
		epochLength uint64
		epoch       uint64
	}{
		{0, nil, 30000, 0},
		{29999, nil, 30000, 0},
		{30000, nil, 30000, 1},
		{11699999, &fork, 30000, 389},
		{11700000, &fork, 60000, 195},
		{11760000, &fork, 60000, 196},
		{0, &fork, 30000, 0},
	}
	for _, tt := range tests {
		if have := calcEpochLength(tt.block, tt.fork); have != tt.epochLength {
			t.Errorf("block %d: epoch length mismatch: have %d, want %d", tt.block, have, tt.epochLength)
		}
		if have := EpochNumber(tt.block, tt.fork); have != tt.epoch {
			t.Errorf("block %d: epoch mismatch: have %d, want %d", tt.block, have, tt.epoch)
		}
	}
}

// Tests the seed hash chain: all zeros for epoch 0, one keccak256 round per
// pre-fork epoch, and continuity across the ECIP-1099 changeover.
func TestSeedHash(t *testing.T) {
	if seed := SeedHash(0, nil); !bytes.Equal(seed, make([]byte, 32)) {
		t.Errorf("epoch 0 seed mismatch: have %x, want zeros", seed)
	}
	if seed := SeedHash(29999, nil); !bytes.Equal(seed, make([]byte, 32)) {
		t.Errorf("late epoch 0 seed mismatch: have %x, want zeros", seed)
	}
	want := crypto.Keccak256(make([]byte, 32))
	if seed := SeedHash(30000, nil); !bytes.Equal(seed, want) {
		t.Errorf("epoch 1 seed mismatch: have %x, want %x", seed, want)
	}
	// One extra keccak256 round per epoch
	for epoch := uint64(1); epoch < 16; epoch++ {
		prev := SeedHash(epoch*30000, nil)
		next := SeedHash((epoch+1)*30000, nil)
		if !bytes.Equal(next, crypto.Keccak256(prev)) {
			t.Fatalf("epoch %d: seed chain broken", epoch+1)
		}
	}
	// Across the fork the chain is iterated from the redefined coordinate:
	// epoch 195 of length 60000 freezes at the same seed as pre-fork epoch 390.
	fork := uint64(11700000)
	seed := make([]byte, 32)
	for i := 0; i < 390; i++ {
		seed = crypto.Keccak256(seed)
	}
	if have := SeedHash(11700000, &fork); !bytes.Equal(have, seed) {
		t.Errorf("post-fork seed mismatch: have %x, want %x", have, seed)
	}
	if have, want := SeedHash(11700000, &fork), SeedHash(11700000, nil); !bytes.Equal(have, want) {
		t.Errorf("fork boundary seed discontinuous: have %x, want %x", have, want)
	}
}

// Tests that the size lookup tables carry the canonical values and the
// required alignments.
func TestSizes(t *testing.T) {
	wantCaches := []uint64{16776896, 16907456, 17039296, 17170112, 17301056}
	wantDatasets := []uint64{1073739904, 1082130304, 1090514816, 1098906752, 1107293056}

	for epoch, want := range wantCaches {
		if have := cacheSize(uint64(epoch)); have != want {
			t.Errorf("epoch %d: cache size mismatch: have %d, want %d", epoch, have, want)
		}
	}
	for epoch, want := range wantDatasets {
		if have := datasetSize(uint64(epoch)); have != want {
			t.Errorf("epoch %d: dataset size mismatch: have %d, want %d", epoch, have, want)
		}
	}
	for epoch := uint64(0); epoch < maxEpoch; epoch++ {
		if cacheSizes[epoch]%hashBytes != 0 {
			t.Fatalf("epoch %d: cache size %d not node aligned", epoch, cacheSizes[epoch])
		}
		if datasetSizes[epoch]%mixBytes != 0 || datasetSizes[epoch]%hashBytes != 0 {
			t.Fatalf("epoch %d: dataset size %d not page aligned", epoch, datasetSizes[epoch])
		}
	}
	// The on-the-fly fallback must agree with the table
	for _, epoch := range []uint64{0, 1, 255, 2047} {
		if have, want := calcCacheSize(epoch), cacheSizes[epoch]; have != want {
			t.Errorf("epoch %d: calculated cache size mismatch: have %d, want %d", epoch, have, want)
		}
		if have, want := calcDatasetSize(epoch), datasetSizes[epoch]; have != want {
			t.Errorf("epoch %d: calculated dataset size mismatch: have %d, want %d", epoch, have, want)
		}
	}
	// Block level helpers pick the halved epoch after the fork
	fork := uint64(11700000)
	if have, want := CacheSize(11700000, &fork), cacheSizes[195]; have != want {
		t.Errorf("post-fork cache size mismatch: have %d, want %d", have, want)
	}
	if have, want := DatasetSize(11700000, &fork), datasetSizes[195]; have != want {
		t.Errorf("post-fork dataset size mismatch: have %d, want %d", have, want)
	}
}

// Tests that the cache is stored in canonical little-endian word order: the
// first word must read back as the little-endian view of the first four
// bytes of keccak512(seed).
func TestCacheEndianness(t *testing.T) {
	seed := make([]byte, 32)
	cache := make([]uint32, cacheSizeForTesting/4)
	generateCache(cache, 0, seed)

	want := binary.LittleEndian.Uint32(crypto.Keccak512(seed)[:4])
	if cache[0] != want {
		t.Errorf("cache word 0 mismatch: have %08x, want %08x", cache[0], want)
	}
}

// Tests that the light and full hashimoto variants agree with the canonical
// epoch 0 test vector on the reduced test sizes.
func TestHashimoto(t *testing.T) {
	// Create the verification cache and mining dataset
	cache := make([]uint32, 1024/4)
	generateCache(cache, 0, make([]byte, 32))

	dataset := make([]uint32, 32*1024/4)
	if err := generateDataset(dataset, 0, cache, nil); err != nil {
		t.Fatalf("failed to generate dataset: %v", err)
	}
	// Create a block to verify
	hash := hexutil.MustDecode("0xc9149cc0386e689d789a1c2f3d5d169a61a6218ed30e74414dc736e442ef3d1f")
	nonce := uint64(0)

	wantDigest := hexutil.MustDecode("0xe4073cffaef931d37117cefd9afd27ea0f1cad6a981dd2605c4a1ac97c519800")
	wantResult := hexutil.MustDecode("0xd3539235ee2e6f8db665c0a72169f55b7f6c605712330b778ec3944f0eb5a557")

	digest, result := hashimotoLight(32*1024, cache, hash, nonce)
	if !bytes.Equal(digest, wantDigest) {
		t.Errorf("light hashimoto digest mismatch: have %x, want %x", digest, wantDigest)
	}
	if !bytes.Equal(result, wantResult) {
		t.Errorf("light hashimoto result mismatch: have %x, want %x", result, wantResult)
	}
	digest, result = hashimotoFull(dataset, hash, nonce)
	if !bytes.Equal(digest, wantDigest) {
		t.Errorf("full hashimoto digest mismatch: have %x, want %x", digest, wantDigest)
	}
	if !bytes.Equal(result, wantResult) {
		t.Errorf("full hashimoto result mismatch: have %x, want %x", result, wantResult)
	}
}

// Tests that two independently built caches and datasets produce identical
// compute results.
func TestDeterminism(t *testing.T) {
	hash := hexutil.MustDecode("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d")

	var digests, results [2][]byte
	for i := 0; i < 2; i++ {
		cache := make([]uint32, cacheSizeForTesting/4)
		generateCache(cache, 0, make([]byte, 32))
		digests[i], results[i] = hashimotoLight(dagSizeForTesting, cache, hash, 0x2851b4a273bf60ae)
	}
	if !bytes.Equal(digests[0], digests[1]) {
		t.Errorf("digest not deterministic: %x != %x", digests[0], digests[1])
	}
	if !bytes.Equal(results[0], results[1]) {
		t.Errorf("result not deterministic: %x != %x", results[0], results[1])
	}
}

// Tests that a progress callback reporting an error aborts the dataset fill.
func TestDatasetGenerationCancel(t *testing.T) {
	cache := make([]uint32, cacheSizeForTesting/4)
	generateCache(cache, 0, make([]byte, 32))

	errStop := errors.New("stop")
	dataset := make([]uint32, dagSizeForTesting/4)

	var (
		mu    sync.Mutex
		calls []uint32
	)
	err := generateDataset(dataset, 0, cache, func(percent uint32) error {
		mu.Lock()
		calls = append(calls, percent)
		mu.Unlock()
		if percent >= 10 {
			return errStop
		}
		return nil
	})
	if err != errGenerationCancelled {
		t.Fatalf("cancellation error mismatch: have %v, want %v", err, errGenerationCancelled)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("progress callback never invoked")
	}
}

// Tests that datasets too small for percent granularity generate silently.
func TestTinyDatasetNoProgress(t *testing.T) {
	cache := make([]uint32, cacheSizeForTesting/4)
	generateCache(cache, 0, make([]byte, 32))

	// 64 nodes, below the 100-node reporting threshold
	dataset := make([]uint32, 64*hashBytes/4)
	err := generateDataset(dataset, 0, cache, func(percent uint32) error {
		t.Errorf("unexpected progress callback at %d%%", percent)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to generate tiny dataset: %v", err)
	}
}

// Benchmarks the light verification performance.
func BenchmarkHashimotoLight(b *testing.B) {
	cache := make([]uint32, cacheSize(0)/4)
	generateCache(cache, 0, make([]byte, 32))

	hash := hexutil.MustDecode("0xc9149cc0386e689d789a1c2f3d5d169a61a6218ed30e74414dc736e442ef3d1f")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hashimotoLight(datasetSize(0), cache, hash, 0)
	}
}
