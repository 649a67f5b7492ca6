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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// QuickHash recomputes the pow result for a sealed header from the published
// mix digest alone. It needs neither cache nor dataset, which makes it the
// cheap first line of defence against junk submissions.
func QuickHash(hashNoNonce common.Hash, nonce uint64, mixDigest common.Hash) common.Hash {
	buf := make([]byte, 40, 96)
	copy(buf, hashNoNonce[:])
	binary.LittleEndian.PutUint64(buf[32:], nonce)

	seed := crypto.Keccak512(buf)
	return common.BytesToHash(crypto.Keccak256(append(seed, mixDigest[:]...)))
}

// CheckDifficulty reports whether result, read as a big-endian 256-bit
// integer, is at most boundary. For 32-byte values the unsigned order is
// exactly the lexicographic byte order, so no big integers are involved.
func CheckDifficulty(result, boundary common.Hash) bool {
	return bytes.Compare(result[:], boundary[:]) <= 0
}

// QuickCheckDifficulty reports whether a sealed header meets the boundary,
// trusting the submitted mix digest. A full Verify must still follow before
// the mix digest itself is believed.
func QuickCheckDifficulty(hashNoNonce common.Hash, nonce uint64, mixDigest, boundary common.Hash) bool {
	return CheckDifficulty(QuickHash(hashNoNonce, nonce, mixDigest), boundary)
}
