package statecache

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// PoolTokenStore is C2's persistent pool→token mapping: a single-table
// SQLite file plus an in-memory mirror for O(1) reads. Grounded on
// mev_inspect/pool_cache.py's PoolTokenCache (same schema, same
// memory-cache-first / INSERT-OR-IGNORE write semantics).
type PoolTokenStore struct {
	db *sql.DB

	mu     sync.RWMutex
	memory map[common.Address][2]common.Address
}

// OpenPoolTokenStore opens (creating if necessary) the pool-token file at
// path and loads its contents into the in-memory mirror.
func OpenPoolTokenStore(path string) (*PoolTokenStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statecache: open pool-token store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pool_tokens (
			pool_address TEXT PRIMARY KEY,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			first_seen_block INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statecache: create pool_tokens table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_pool_tokens_block ON pool_tokens(first_seen_block)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statecache: create pool_tokens index: %w", err)
	}

	s := &PoolTokenStore{db: db, memory: map[common.Address][2]common.Address{}}
	if err := s.loadMemoryCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PoolTokenStore) loadMemoryCache() error {
	rows, err := s.db.Query(`SELECT pool_address, token0, token1 FROM pool_tokens`)
	if err != nil {
		return fmt.Errorf("statecache: load pool-token memory cache: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var pool, t0, t1 string
		if err := rows.Scan(&pool, &t0, &t1); err != nil {
			return err
		}
		s.memory[common.HexToAddress(pool)] = [2]common.Address{common.HexToAddress(t0), common.HexToAddress(t1)}
	}
	return rows.Err()
}

// Get returns the (token0, token1) pair for pool, if known.
func (s *PoolTokenStore) Get(pool common.Address) (token0, token1 common.Address, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.memory[pool]
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	return pair[0], pair[1], true
}

// Set records (pool, token0, token1) if not already present. Entries are
// monotonic: an existing pool is never overwritten, per spec §3.
func (s *PoolTokenStore) Set(pool, token0, token1 common.Address, firstSeenBlock uint64) error {
	s.mu.Lock()
	if _, exists := s.memory[pool]; exists {
		s.mu.Unlock()
		return nil
	}
	s.memory[pool] = [2]common.Address{token0, token1}
	s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO pool_tokens (pool_address, token0, token1, first_seen_block) VALUES (?, ?, ?, ?)`,
		strings.ToLower(pool.Hex()), strings.ToLower(token0.Hex()), strings.ToLower(token1.Hex()), firstSeenBlock,
	)
	if err != nil {
		return fmt.Errorf("statecache: insert pool-token row: %w", err)
	}
	return nil
}

// PoolTokenStoreStats reports the persistent store's size for diagnostics,
// supplementing spec §4.2's observability clause with pool_cache.py's
// get_stats() shape.
type PoolTokenStoreStats struct {
	RowCount     int
	MemoryCached int
}

// Stats returns the current row and in-memory cache counts.
func (s *PoolTokenStore) Stats() (PoolTokenStoreStats, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pool_tokens`).Scan(&count); err != nil {
		return PoolTokenStoreStats{}, err
	}
	s.mu.RLock()
	memCount := len(s.memory)
	s.mu.RUnlock()
	return PoolTokenStoreStats{RowCount: count, MemoryCached: memCount}, nil
}

// Close releases the underlying database handle.
func (s *PoolTokenStore) Close() error {
	return s.db.Close()
}
