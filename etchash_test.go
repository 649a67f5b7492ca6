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
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// testBlock implements the Block interface for sealing and verification
// round trips.
type testBlock struct {
	difficulty  *big.Int
	hashNoNonce common.Hash
	nonce       uint64
	mixDigest   common.Hash
	number      uint64
}

func (b *testBlock) Difficulty() *big.Int     { return b.difficulty }
func (b *testBlock) HashNoNonce() common.Hash { return b.hashNoNonce }
func (b *testBlock) Nonce() uint64            { return b.nonce }
func (b *testBlock) MixDigest() common.Hash   { return b.mixDigest }
func (b *testBlock) NumberU64() uint64        { return b.number }

// Tests that the light and full compute paths agree, and that the quick
// verification path reproduces the full result from the mix digest.
func TestLightFullEquivalence(t *testing.T) {
	pow, err := NewForTesting()
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(pow.Full.Dir)
	defer pow.Full.Close()

	hash := common.HexToHash("0xc9149cc0386e689d789a1c2f3d5d169a61a6218ed30e74414dc736e442ef3d1f")

	for _, nonce := range []uint64{0, 1, 0xe360b6170c229d15} {
		lightMix, lightResult := pow.Light.Compute(1, hash, nonce)
		fullMix, fullResult, err := pow.Full.Compute(1, hash, nonce)
		if err != nil {
			t.Fatalf("nonce %d: full compute failed: %v", nonce, err)
		}
		if lightMix != fullMix {
			t.Errorf("nonce %d: mix digest mismatch: light %x, full %x", nonce, lightMix, fullMix)
		}
		if lightResult != fullResult {
			t.Errorf("nonce %d: result mismatch: light %x, full %x", nonce, lightResult, fullResult)
		}
		if quick := QuickHash(hash, nonce, lightMix); quick != lightResult {
			t.Errorf("nonce %d: quick hash mismatch: have %x, want %x", nonce, quick, lightResult)
		}
	}
}

// Tests a full seal and verify round trip on the reduced test sizes.
func TestSearchAndVerify(t *testing.T) {
	pow, err := NewForTesting()
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(pow.Full.Dir)
	defer pow.Full.Close()

	block := &testBlock{
		difficulty:  big.NewInt(16),
		hashNoNonce: common.HexToHash("0x885c778d7eedb68876b1377e216ed1d2c2417b0fca06b66ca4facae79ae5330d"),
		number:      1,
	}
	nonce, mixDigest, err := pow.Full.Search(block, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	block.nonce = nonce
	block.mixDigest = common.BytesToHash(mixDigest)

	if !pow.Light.Verify(block) {
		t.Error("sealed block failed verification")
	}
	// A tampered mix digest must be rejected even though the result passes
	bad := *block
	bad.mixDigest = common.HexToHash("0x01")
	if pow.Light.Verify(&bad) {
		t.Error("tampered mix digest accepted")
	}
	// Zero difficulty is never valid
	bad = *block
	bad.difficulty = new(big.Int)
	if pow.Light.Verify(&bad) {
		t.Error("zero difficulty accepted")
	}
}

// Tests that blocks past the epoch tables are rejected instead of asserted.
func TestVerifyOutOfRange(t *testing.T) {
	light := &Light{test: true}
	block := &testBlock{
		difficulty: big.NewInt(16),
		number:     epochLengthDefault * maxEpoch,
	}
	if light.Verify(block) {
		t.Error("out of range block accepted")
	}
}

// Tests the big-endian boundary comparison edge cases.
func TestCheckDifficulty(t *testing.T) {
	tests := []struct {
		result   common.Hash
		boundary common.Hash
		want     bool
	}{
		{common.HexToHash("0x00"), common.HexToHash("0x00"), true},
		{common.HexToHash("0x01"), common.HexToHash("0x02"), true},
		{common.HexToHash("0x02"), common.HexToHash("0x01"), false},
		{
			common.HexToHash("0x0100000000000000000000000000000000000000000000000000000000000000"),
			common.HexToHash("0x00ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"),
			false,
		},
	}
	for i, tt := range tests {
		if have := CheckDifficulty(tt.result, tt.boundary); have != tt.want {
			t.Errorf("test %d: have %v, want %v", i, have, tt.want)
		}
	}
}

// Tests that a shared light verifier can be used from multiple engines.
func TestNewShared(t *testing.T) {
	a, b := NewShared(nil), NewShared(nil)
	if a.Light != b.Light {
		t.Error("shared engines do not share the light verifier")
	}
}
