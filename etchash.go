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

// Package etchash implements the etchash proof-of-work algorithm, the
// ECIP-1099 variant of ethash used by Ethereum Classic.
package etchash

import (
	"fmt"
	"io/ioutil"
	"math/big"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashicorp/golang-lru/simplelru"
)

var (
	// two256 is a big integer representing 2^256
	two256 = new(big.Int).Exp(big.NewInt(2), big.NewInt(256), big.NewInt(0))

	sharedLight = new(Light)
)

var (
	// MainnetECIP1099Block is the height at which Ethereum Classic mainnet
	// switched to double-length epochs.
	MainnetECIP1099Block uint64 = 11700000

	// MordorECIP1099Block is the ECIP-1099 activation height of the Mordor
	// test network.
	MordorECIP1099Block uint64 = 2520000
)

const (
	cacheSizeForTesting uint64 = 1024
	dagSizeForTesting   uint64 = 32 * 1024
	cachesInMem                = 2
)

// DefaultDir is where DAG files land unless a directory is configured.
var DefaultDir = defaultDir()

func defaultDir() string {
	home := os.Getenv("HOME")
	if user, err := user.Current(); err == nil {
		home = user.HomeDir
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "AppData", "Etchash")
	}
	return filepath.Join(home, ".etchash")
}

// Block is the view of a sealed header the verifier and the miner need.
type Block interface {
	Difficulty() *big.Int
	HashNoNonce() common.Hash
	Nonce() uint64
	MixDigest() common.Hash
	NumberU64() uint64
}

// EpochNumber returns the epoch a block belongs to under the ECIP-1099
// schedule anchored at ecip1099FBlock (nil for a chain without the fork).
func EpochNumber(block uint64, ecip1099FBlock *uint64) uint64 {
	return calcEpoch(block, calcEpochLength(block, ecip1099FBlock))
}

// CacheSize returns the verification cache size for a block.
func CacheSize(block uint64, ecip1099FBlock *uint64) uint64 {
	return cacheSize(EpochNumber(block, ecip1099FBlock))
}

// DatasetSize returns the mining dataset size for a block.
func DatasetSize(block uint64, ecip1099FBlock *uint64) uint64 {
	return datasetSize(EpochNumber(block, ecip1099FBlock))
}

// SeedHash returns the per-epoch seed for a block. Past the ECIP-1099
// activation the keccak chain is iterated in pre-fork epoch lengths from the
// redefined epoch coordinate, so the seed stays continuous across the fork.
func SeedHash(block uint64, ecip1099FBlock *uint64) []byte {
	epochLength := calcEpochLength(block, ecip1099FBlock)
	epoch := calcEpoch(block, epochLength)
	return seedHash(epoch*epochLength + 1)
}

// lru tracks caches or datasets by their last use time, keeping at most N of them.
type lru struct {
	what string
	new  func(epoch uint64, epochLength uint64) interface{}
	mu   sync.Mutex
	// Items are kept in a LRU cache, but there is a special case:
	// We always keep an item for (highest seen epoch) + 1 as the 'future item'.
	cache      *simplelru.LRU
	future     uint64
	futureItem interface{}
}

// newlru create a new least-recently-used cache for either the verification
// caches or the mining datasets.
func newlru(what string, maxItems int, new func(epoch uint64, epochLength uint64) interface{}) *lru {
	if maxItems <= 0 {
		maxItems = 1
	}
	cache, _ := simplelru.NewLRU(maxItems, func(key, value interface{}) {
		log.Trace("Evicted etchash "+what, "epoch", key)
	})
	return &lru{what: what, new: new, cache: cache}
}

// get retrieves or creates an item for the given epoch. The first return value is always
// non-nil. The second return value is non-nil if lru thinks that an item will be useful in
// the near future.
func (lru *lru) get(epoch uint64, epochLength uint64, ecip1099FBlock *uint64) (item, future interface{}) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	// Get or create the item for the requested epoch.
	item, ok := lru.cache.Get(epoch)
	if !ok {
		if lru.future > 0 && lru.future == epoch {
			item = lru.futureItem
		} else {
			log.Trace("Requiring new etchash "+lru.what, "epoch", epoch)
			item = lru.new(epoch, epochLength)
		}
		lru.cache.Add(epoch, item)
	}

	// Ensure pre-generation handles the ecip-1099 changeover correctly
	var nextEpoch = epoch + 1
	var nextEpochLength = epochLength
	if ecip1099FBlock != nil {
		nextEpochBlock := nextEpoch * epochLength
		if nextEpochBlock == *ecip1099FBlock && epochLength == epochLengthDefault {
			nextEpoch = nextEpoch / 2
			nextEpochLength = epochLengthECIP1099
		}
	}

	// Update the 'future item' if epoch is larger than previously seen.
	if epoch < maxEpoch-1 && lru.future < nextEpoch {
		log.Trace("Requiring new future etchash "+lru.what, "epoch", nextEpoch)
		future = lru.new(nextEpoch, nextEpochLength)
		lru.future = nextEpoch
		lru.futureItem = future
	}
	return item, future
}

// cache wraps an etchash verification cache with some metadata to allow
// easier concurrent use. The cache lives purely in memory and is immutable
// once generate has returned.
type cache struct {
	epoch       uint64 // Epoch for which this cache is relevant
	epochLength uint64 // Epoch length (ECIP-1099)
	cache       []uint32
	once        sync.Once // Ensures the cache is generated only once
}

// newCache creates a new etchash verification cache and returns it as a
// plain Go interface to be usable in an LRU cache.
func newCache(epoch uint64, epochLength uint64) interface{} {
	return &cache{epoch: epoch, epochLength: epochLength}
}

// generate ensures that the cache content is generated before use.
func (c *cache) generate(test bool) {
	c.once.Do(func() {
		size := cacheSize(c.epoch)
		seed := seedHash(c.epoch*c.epochLength + 1)
		if test {
			size = cacheSizeForTesting
		}
		c.cache = make([]uint32, size/4)
		generateCache(c.cache, c.epoch, seed)
	})
}

func (c *cache) compute(dagSize uint64, hash common.Hash, nonce uint64) (common.Hash, common.Hash) {
	digest, result := hashimotoLight(dagSize, c.cache, hash.Bytes(), nonce)
	// Caches may be shared with a generating goroutine. Ensure the cache
	// stays alive until after the call to hashimotoLight.
	runtime.KeepAlive(c)
	return common.BytesToHash(digest), common.BytesToHash(result)
}

// Light implements the Verify half of the proof of work. It uses a few small
// in-memory caches to verify the nonces found by Full.
type Light struct {
	test bool // If set, use a smaller cache size

	mu     sync.Mutex // Protects the lazily built cache LRU
	caches *lru       // Currently maintained verification caches

	ecip1099FBlock *uint64
}

// NewLight creates a verifier for a chain with the given ECIP-1099
// activation height (nil for a chain without the fork).
func NewLight(ecip1099FBlock *uint64) *Light {
	return &Light{ecip1099FBlock: ecip1099FBlock}
}

func (l *Light) getCache(blockNum uint64) *cache {
	epochLength := calcEpochLength(blockNum, l.ecip1099FBlock)
	epoch := calcEpoch(blockNum, epochLength)

	l.mu.Lock()
	if l.caches == nil {
		l.caches = newlru("cache", cachesInMem, newCache)
	}
	caches := l.caches
	l.mu.Unlock()

	current, future := caches.get(epoch, epochLength, l.ecip1099FBlock)
	c := current.(*cache)

	// Wait for generation finish.
	c.generate(l.test)

	// If we need a new future cache, now's a good time to regenerate it.
	if future != nil {
		go future.(*cache).generate(l.test)
	}
	return c
}

// Compute returns the mix digest and the pow result for a header hash and
// nonce, deriving every needed dataset node from the verification cache.
func (l *Light) Compute(blockNum uint64, hashNoNonce common.Hash, nonce uint64) (mixDigest common.Hash, result common.Hash) {
	epochLength := calcEpochLength(blockNum, l.ecip1099FBlock)
	epoch := calcEpoch(blockNum, epochLength)

	dagSize := datasetSize(epoch)
	if l.test {
		dagSize = dagSizeForTesting
	}
	return l.getCache(blockNum).compute(dagSize, hashNoNonce, nonce)
}

// Verify checks whether the block's nonce is valid.
func (l *Light) Verify(block Block) bool {
	blockNum := block.NumberU64()
	if blockNum >= epochLengthDefault*maxEpoch {
		log.Debug("Block number out of range", "number", blockNum, "limit", uint64(epochLengthDefault*maxEpoch))
		return false
	}
	// Zero difficulty cannot happen once the header is validated, but the
	// PoW may be checked first when blocks are verified in parallel.
	difficulty := block.Difficulty()
	if difficulty.Cmp(common.Big0) == 0 {
		log.Debug("Invalid block difficulty")
		return false
	}
	mixDigest, result := l.Compute(blockNum, block.HashNoNonce(), block.Nonce())

	// Avoid mix digest malleability: it is not part of the sealed hash.
	if block.MixDigest() != mixDigest {
		return false
	}
	target := new(big.Int).Div(two256, difficulty)
	return result.Big().Cmp(target) <= 0
}

// dataset wraps one epoch's mmap-backed mining DAG with the metadata needed
// for concurrent use and explicit release.
type dataset struct {
	epoch       uint64 // Epoch for which this dataset is relevant
	epochLength uint64 // Epoch length (ECIP-1099)
	fullSize    uint64 // Byte size of the DAG body

	dump    *os.File  // File descriptor of the memory mapped DAG
	mmap    mmap.MMap // Memory map itself to unmap before releasing
	dataset []uint32  // Word view of the DAG body (past the magic prefix)

	once sync.Once // Ensures the dataset is generated only once
	err  error     // Outcome of the generation, stable after once
}

// generate opens or builds the DAG for the dataset's epoch. An existing,
// finalized file of the right size is mapped and used as-is. A file of the
// wrong size is recreated. Anything else (fresh file, missing or torn magic)
// has its body rebuilt from the verification cache inside the shared
// mapping; the magic number is written through the file handle and synced
// only after the body has been flushed, which is what publishes the DAG to
// future opens. With an empty dir the dataset is generated in memory.
func (d *dataset) generate(dir string, c *cache, progress ProgressFunc, test bool) error {
	d.once.Do(func() {
		d.fullSize = datasetSize(d.epoch)
		if test {
			d.fullSize = dagSizeForTesting
		}
		seed := seedHash(d.epoch*d.epochLength + 1)

		if dir == "" {
			d.dataset = make([]uint32, d.fullSize/4)
			d.err = generateDataset(d.dataset, d.epoch, c.cache, progress)
			return
		}
		logger := log.New("epoch", d.epoch)

		// We're about to mmap the file, ensure that the mapping is cleaned up
		// when the dataset becomes unused.
		runtime.SetFinalizer(d, (*dataset).finalizer)

		file, state, err := prepareDAGFile(dir, seed, d.fullSize, false)
		if err != nil {
			logger.Error("Failed to prepare etchash DAG file", "err", err)
			d.err = err
			return
		}
		if state == dagSizeMismatch {
			// A DAG of the same name but unexpected size: silently force
			// recreation, which must land us on the rebuild branch.
			logger.Warn("Etchash DAG file size mismatch, recreating")
			file, state, err = prepareDAGFile(dir, seed, d.fullSize, true)
			if err != nil {
				logger.Error("Failed to recreate etchash DAG file", "err", err)
				d.err = err
				return
			}
			if state != dagMismatch {
				file.Close()
				d.err = fmt.Errorf("recreated DAG file not writable")
				return
			}
		}
		mem, body, err := mmapDAGFile(file, d.fullSize)
		if err != nil {
			file.Close()
			logger.Error("Failed to mmap etchash DAG file", "err", err)
			d.err = err
			return
		}
		d.dump, d.mmap, d.dataset = file, mem, body

		if state == dagMatch {
			logger.Debug("Loaded etchash DAG from disk")
			return
		}
		if err := generateDataset(body, d.epoch, c.cache, progress); err != nil {
			d.finalizer()
			d.err = err
			return
		}
		// Flush the body before the magic so a crash in between leaves a
		// magicless file that the next open rebuilds.
		if err := d.mmap.Flush(); err != nil {
			d.finalizer()
			logger.Error("Failed to flush etchash DAG body", "err", err)
			d.err = err
			return
		}
		if err := finalizeDAGFile(file); err != nil {
			d.finalizer()
			logger.Error("Failed to finalize etchash DAG file", "err", err)
			d.err = err
			return
		}
	})
	return d.err
}

// finalizer unconditionally releases the mapping and the file. Unmap errors
// are ignored, there is nothing actionable left to do with them.
func (d *dataset) finalizer() {
	if d.mmap != nil {
		d.mmap.Unmap()
		d.dump.Close()
		d.mmap, d.dump, d.dataset = nil, nil, nil
	}
}

// MakeDAG pre-generates the DAG for a block and stores it under dir. The
// progress callback may be nil.
func MakeDAG(block uint64, ecip1099FBlock *uint64, dir string, progress ProgressFunc) error {
	epochLength := calcEpochLength(block, ecip1099FBlock)
	epoch := calcEpoch(block, epochLength)

	c := &cache{epoch: epoch, epochLength: epochLength}
	c.generate(false)

	d := &dataset{epoch: epoch, epochLength: epochLength}
	return d.generate(dir, c, progress, false)
}

// Full implements the Search half of the proof of work. It owns the current
// epoch's mmap-backed DAG and rotates it as the chain advances.
type Full struct {
	Dir string // use this to specify a non-default DAG directory

	// Progress, when set, is invoked during DAG generation and may cancel
	// it by returning an error.
	Progress ProgressFunc

	test  bool // if set use a smaller DAG size
	turbo bool

	light *Light // cache source for DAG generation

	mu       sync.Mutex // protects the current DAG and the meter
	current  *dataset   // current full DAG
	hashrate metrics.Meter

	ecip1099FBlock *uint64
}

func (pow *Full) getDAG(blockNum uint64) (*dataset, error) {
	epochLength := calcEpochLength(blockNum, pow.ecip1099FBlock)
	epoch := calcEpoch(blockNum, epochLength)

	pow.mu.Lock()
	d := pow.current
	if d == nil || d.epoch != epoch {
		d = &dataset{epoch: epoch, epochLength: epochLength}
		pow.current = d
	}
	pow.mu.Unlock()

	dir := pow.Dir
	if dir == "" {
		dir = DefaultDir
	}
	// Wait for it to finish generating.
	if err := d.generate(dir, pow.light.getCache(blockNum), pow.Progress, pow.test); err != nil {
		return nil, err
	}
	return d, nil
}

// Compute returns the mix digest and pow result for a header hash and nonce
// using the materialized DAG.
func (pow *Full) Compute(blockNum uint64, hashNoNonce common.Hash, nonce uint64) (mixDigest common.Hash, result common.Hash, err error) {
	dag, err := pow.getDAG(blockNum)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	digest, res := hashimotoFull(dag.dataset, hashNoNonce.Bytes(), nonce)
	runtime.KeepAlive(dag)
	return common.BytesToHash(digest), common.BytesToHash(res), nil
}

// DAG returns the word view of the materialized DAG for a block's epoch,
// generating it if needed.
func (pow *Full) DAG(blockNum uint64) ([]uint32, error) {
	dag, err := pow.getDAG(blockNum)
	if err != nil {
		return nil, err
	}
	return dag.dataset, nil
}

// DAGSize returns the byte size of the DAG for a block's epoch.
func (pow *Full) DAGSize(blockNum uint64) uint64 {
	if pow.test {
		return dagSizeForTesting
	}
	return DatasetSize(blockNum, pow.ecip1099FBlock)
}

// Search scans nonces starting from a random point until one seals the block
// below its difficulty target, or stop is closed.
func (pow *Full) Search(block Block, stop <-chan struct{}) (nonce uint64, mixDigest []byte, err error) {
	dag, err := pow.getDAG(block.NumberU64())
	if err != nil {
		return 0, nil, err
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	diff := block.Difficulty()

	pow.mu.Lock()
	if pow.hashrate == nil {
		pow.hashrate = metrics.NewMeterForced()
	}
	meter := pow.hashrate
	pow.mu.Unlock()

	var (
		i      int64
		marked int64
	)
	nonce = uint64(r.Int63())
	hash := block.HashNoNonce()
	target := new(big.Int).Div(two256, diff)
	for {
		select {
		case <-stop:
			meter.Mark(i - marked)
			return 0, nil, nil
		default:
			i++

			// Metering every nonce is wasteful, batch the updates instead
			if i%(1<<16) == 0 {
				meter.Mark(i - marked)
				marked = i
			}
			digest, result := hashimotoFull(dag.dataset, hash.Bytes(), nonce)
			if new(big.Int).SetBytes(result).Cmp(target) <= 0 {
				meter.Mark(i - marked)
				runtime.KeepAlive(dag)
				return nonce, digest, nil
			}
			nonce++
		}
		if !pow.turbo {
			time.Sleep(20 * time.Microsecond)
		}
	}
}

// Turbo toggles the inter-nonce backoff of Search.
func (pow *Full) Turbo(on bool) {
	pow.mu.Lock()
	pow.turbo = on
	pow.mu.Unlock()
}

// Hashrate returns the measured rate of the search invocations per second
// over the last minute.
func (pow *Full) Hashrate() float64 {
	pow.mu.Lock()
	defer pow.mu.Unlock()
	if pow.hashrate == nil {
		return 0
	}
	return pow.hashrate.Rate1()
}

// Close releases the current DAG mapping and file. Further use reopens the
// DAG file, regenerating it only if it is not a finalized DAG of the right
// size.
func (pow *Full) Close() error {
	pow.mu.Lock()
	defer pow.mu.Unlock()
	if pow.current != nil {
		pow.current.finalizer()
		pow.current = nil
	}
	return nil
}

// Etchash combines block verification with Light and nonce searching with
// Full into a single proof of work.
type Etchash struct {
	*Light
	*Full
}

// New creates an instance of the proof of work.
func New(ecip1099FBlock *uint64) *Etchash {
	light := NewLight(ecip1099FBlock)
	return &Etchash{light, &Full{turbo: true, light: light, ecip1099FBlock: ecip1099FBlock, hashrate: metrics.NewMeterForced()}}
}

// NewShared creates an instance of the proof of work where a single instance
// of the Light cache is shared across all instances created with NewShared.
func NewShared(ecip1099FBlock *uint64) *Etchash {
	return &Etchash{sharedLight, &Full{turbo: true, light: sharedLight, ecip1099FBlock: ecip1099FBlock, hashrate: metrics.NewMeterForced()}}
}

// NewForTesting creates a proof of work for use in unit tests. It uses a
// smaller DAG and cache size to keep test times low. DAG files are stored in
// a temporary directory.
//
// Nonces found by a testing instance are not verifiable with a regular-size
// cache.
func NewForTesting() (*Etchash, error) {
	dir, err := ioutil.TempDir("", "etchash-test")
	if err != nil {
		return nil, err
	}
	light := &Light{test: true}
	return &Etchash{light, &Full{Dir: dir, test: true, turbo: true, light: light, hashrate: metrics.NewMeterForced()}}, nil
}
