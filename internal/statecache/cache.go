// Package statecache implements C2, the State Cache: three bounded LRUs
// for account/storage/code plus a disk-backed, unbounded pool-token store.
// Grounded on mev_inspect/state_manager.py's LRUCache/StateManager (same
// default capacities: 5000/20000/1000) and mev_inspect/pool_cache.py's
// SQLite-backed PoolTokenCache.
package statecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
	"github.com/mevlens/mevinspect-go/internal/rpcclient"
)

type storageKey struct {
	Address common.Address
	Slot    common.Hash
}

// Stats holds hit/miss counters for one cache.
type Stats struct {
	Hits   uint64
	Misses uint64
}

func (s *Stats) hit()  { atomic.AddUint64(&s.Hits, 1) }
func (s *Stats) miss() { atomic.AddUint64(&s.Misses, 1) }

// Snapshot returns a point-in-time copy safe to read concurrently with
// further hits/misses.
func (s *Stats) Snapshot() Stats {
	return Stats{Hits: atomic.LoadUint64(&s.Hits), Misses: atomic.LoadUint64(&s.Misses)}
}

// Cache is C2: the process-wide state cache for one analysis run, keyed
// implicitly by the block number it was constructed for (spec §4.2's
// "Storage and code values are fetched at the configured block number").
type Cache struct {
	block  uint64
	rpc    *rpcclient.Client
	pools  *PoolTokenStore
	log    *zap.SugaredLogger

	accountMu sync.Mutex
	account   *lru.Cache[common.Address, mevtypes.AccountSnapshot]
	accountStats Stats

	storageMu sync.Mutex
	storage   *lru.Cache[storageKey, common.Hash]
	storageStats Stats

	codeMu sync.Mutex
	code    *lru.Cache[common.Address, []byte]
	codeStats Stats
}

// New builds a Cache for the given block, with LRU capacities per spec
// §4.2's table (overridable via cfg sizes in internal/config.Config).
func New(block uint64, rpc *rpcclient.Client, pools *PoolTokenStore, accountSize, storageSize, codeSize int, log *zap.SugaredLogger) (*Cache, error) {
	accountLRU, err := lru.New[common.Address, mevtypes.AccountSnapshot](accountSize)
	if err != nil {
		return nil, fmt.Errorf("statecache: account lru: %w", err)
	}
	storageLRU, err := lru.New[storageKey, common.Hash](storageSize)
	if err != nil {
		return nil, fmt.Errorf("statecache: storage lru: %w", err)
	}
	codeLRU, err := lru.New[common.Address, []byte](codeSize)
	if err != nil {
		return nil, fmt.Errorf("statecache: code lru: %w", err)
	}
	return &Cache{
		block:   block,
		rpc:     rpc,
		pools:   pools,
		log:     log,
		account: accountLRU,
		storage: storageLRU,
		code:    codeLRU,
	}, nil
}

// GetAccount returns the account snapshot for addr, fetching and caching
// it on first miss. A single RPC (eth_getBalance) plus whatever GetCode
// issues is incurred per cold address.
func (c *Cache) GetAccount(ctx context.Context, addr common.Address) (mevtypes.AccountSnapshot, error) {
	c.accountMu.Lock()
	if snap, ok := c.account.Get(addr); ok {
		c.accountMu.Unlock()
		c.accountStats.hit()
		return snap, nil
	}
	c.accountMu.Unlock()
	c.accountStats.miss()

	balance, err := c.rpc.GetBalance(ctx, addr, c.block)
	if err != nil {
		return mevtypes.AccountSnapshot{}, err
	}
	code, err := c.GetCode(ctx, addr)
	if err != nil {
		return mevtypes.AccountSnapshot{}, err
	}
	snap := mevtypes.AccountSnapshot{Balance: balance, Code: code}

	c.accountMu.Lock()
	c.account.Add(addr, snap)
	c.accountMu.Unlock()
	return snap, nil
}

// GetCode returns addr's runtime code, fetching and caching on miss.
func (c *Cache) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	c.codeMu.Lock()
	if code, ok := c.code.Get(addr); ok {
		c.codeMu.Unlock()
		c.codeStats.hit()
		return code, nil
	}
	c.codeMu.Unlock()
	c.codeStats.miss()

	code, err := c.rpc.GetCode(ctx, addr, c.block)
	if err != nil {
		return nil, err
	}
	c.codeMu.Lock()
	c.code.Add(addr, code)
	c.codeMu.Unlock()
	return code, nil
}

// GetStorage returns the word at (addr, slot), fetching and caching on
// miss. Exactly one RPC per cold (addr, slot, block) triple is issued,
// satisfying spec §8's cache-correctness property.
func (c *Cache) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := storageKey{Address: addr, Slot: slot}
	c.storageMu.Lock()
	if word, ok := c.storage.Get(key); ok {
		c.storageMu.Unlock()
		c.storageStats.hit()
		return word, nil
	}
	c.storageMu.Unlock()
	c.storageStats.miss()

	word, err := c.rpc.GetStorage(ctx, addr, slot, c.block)
	if err != nil {
		return common.Hash{}, err
	}
	c.storageMu.Lock()
	c.storage.Add(key, word)
	c.storageMu.Unlock()
	return word, nil
}

// PreloadAddresses warms the code cache for a set of addresses using one
// batched eth_getCode call (balances are still fetched on each address's
// first GetAccount); it is the caller's (C8's) responsibility
// to keep this to O(1) round trips per block.
func (c *Cache) PreloadAddresses(ctx context.Context, addrs []common.Address) error {
	codes, err := c.rpc.BatchCode(ctx, addrs, c.block)
	if err != nil {
		return err
	}
	return c.InstallManyCodes(codes)
}

// InstallManyCodes seeds the code cache from a batch result without
// issuing any RPCs.
func (c *Cache) InstallManyCodes(codes map[common.Address][]byte) error {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	for addr, code := range codes {
		c.code.Add(addr, code)
	}
	return nil
}

// InstallManyPoolTokens seeds the persistent pool-token store from a
// batch result. Writes are monotonic: an existing (pool) entry is never
// overwritten (spec §3 invariant).
func (c *Cache) InstallManyPoolTokens(pools map[common.Address]rpcclient.PoolTokens, block uint64) error {
	for pool, pt := range pools {
		if err := c.pools.Set(pool, pt.Token0, pt.Token1, block); err != nil {
			return err
		}
	}
	return nil
}

// Pools exposes the persistent pool-token store for direct resolution
// lookups (C4's priority-ordered resolution path).
func (c *Cache) Pools() *PoolTokenStore { return c.pools }

// AccountStats, StorageStats, CodeStats expose per-cache hit/miss
// counters for observability, per spec §4.2.
func (c *Cache) AccountStats() Stats { return c.accountStats.Snapshot() }
func (c *Cache) StorageStats() Stats { return c.storageStats.Snapshot() }
func (c *Cache) CodeStats() Stats    { return c.codeStats.Snapshot() }

// ClearAll drops in-memory cache state; the persistent pool-token store
// is untouched, per spec §4.2.
func (c *Cache) ClearAll() {
	c.account.Purge()
	c.storage.Purge()
	c.code.Purge()
	c.accountStats = Stats{}
	c.storageStats = Stats{}
	c.codeStats = Stats{}
}
