// Package pipeline implements C8, the Block Pipeline: orchestrates
// C1-C7 for one block, issuing O(1) batched JSON-RPC round trips for
// receipts, code, and pool tokens. Grounded on mev_inspect/block.py's
// inspect_block orchestration and the teacher's main.go top-level flow.
package pipeline

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mevlens/mevinspect-go/internal/dex"
	"github.com/mevlens/mevinspect-go/internal/mevdetect"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
	"github.com/mevlens/mevinspect-go/internal/replay"
	"github.com/mevlens/mevinspect-go/internal/rpcclient"
	"github.com/mevlens/mevinspect-go/internal/statecache"
	"github.com/mevlens/mevinspect-go/internal/swapdetect"
)

// Options parameterizes one AnalyzeBlock call, mirroring spec §6's
// Library API options (what_if, min_confidence, arb_epsilon).
type Options struct {
	WhatIf        bool
	MinConfidence float64
	ArbEpsilon    float64
}

// Pipeline wires C1 (rpcclient), C2 (statecache), C3 (replay), C5
// (swapdetect), and C6/C7 (mevdetect) together for one analysis run.
type Pipeline struct {
	rpc   *rpcclient.Client
	pools *statecache.PoolTokenStore
	log   *zap.SugaredLogger

	accountCacheSize int
	storageCacheSize int
	codeCacheSize    int
}

// New builds a Pipeline. pools is shared across every block analyzed in
// a run (it's the persistent, unbounded store); the per-block LRUs are
// rebuilt fresh for each AnalyzeBlock call, per spec §4.2's "process-wide
// per block number" cache lifetime.
func New(rpc *rpcclient.Client, pools *statecache.PoolTokenStore, accountCacheSize, storageCacheSize, codeCacheSize int, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		rpc:              rpc,
		pools:            pools,
		log:              log,
		accountCacheSize: accountCacheSize,
		storageCacheSize: storageCacheSize,
		codeCacheSize:    codeCacheSize,
	}
}

// poolRegistry is populated during step 4 (pool-address union) and
// implements both swapdetect.PoolProtocolResolver and dex.PoolResolver
// so C4/C5 can resolve a pool's protocol and token identities without
// further RPC access.
type poolRegistry struct {
	protocol map[common.Address]string
	cache    *statecache.Cache
}

func (r *poolRegistry) ProtocolOf(pool common.Address) (string, bool) {
	p, ok := r.protocol[pool]
	return p, ok
}

func (r *poolRegistry) Get(pool common.Address) (common.Address, common.Address, bool) {
	return r.cache.Pools().Get(pool)
}

// Result bundles the core InspectionResult with the optional what-if
// findings, since those are a separate, disabled-by-default stage
// (spec §4.6/§4.7) rather than part of InspectionResult itself.
type Result struct {
	Inspection  mevtypes.InspectionResult
	WhatIfArbs  []mevdetect.WhatIfArbitrage
	WhatIfSandw []mevdetect.WhatIfSandwich
}

// AnalyzeBlock runs the full C1-C7 pipeline for one block, per spec
// §4.8's eight steps.
func (p *Pipeline) AnalyzeBlock(ctx context.Context, blockNumber uint64, opts Options) (Result, error) {
	blockNum := blockNumber
	// Step 1: fetch block with transaction envelopes.
	block, txs, err := p.rpc.GetBlock(ctx, &blockNum)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: fetch block %d: %w", blockNumber, err)
	}

	// Step 2: batch-fetch all receipts.
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	receipts, err := p.rpc.BatchReceipts(ctx, hashes)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: batch receipts for block %d: %w", blockNumber, err)
	}

	cache, err := statecache.New(blockNumber, p.rpc, p.pools, p.accountCacheSize, p.storageCacheSize, p.codeCacheSize, p.log)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: build state cache: %w", err)
	}

	// Step 3: derive address union from txs and logs; batch-fetch code
	// and seed C2.
	addrs := addressUnion(txs, receipts)
	if err := cache.PreloadAddresses(ctx, addrs); err != nil {
		return Result{}, fmt.Errorf("pipeline: preload addresses for block %d: %w", blockNumber, err)
	}

	// Step 4: derive pool-address union from swap-topic logs;
	// batch-fetch pool tokens and seed the pool-token store.
	registry, err := p.buildPoolRegistry(ctx, cache, receipts, blockNumber)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: build pool registry for block %d: %w", blockNumber, err)
	}

	replayer := replay.New(cache, p.log)
	detector := swapdetect.New(opts.MinConfidence)

	txPosition := map[common.Hash]int{}
	txFrom := map[common.Hash]common.Address{}
	gasUsedByTx := map[common.Hash]uint64{}

	var (
		txInfos  []mevtypes.TransactionInfo
		allSwaps []mevtypes.Swap
	)

	// Step 5: for each transaction in block order, status check; if
	// success, drive C3 -> C5.
	for _, tx := range txs {
		txPosition[tx.Hash] = tx.Position
		txFrom[tx.Hash] = tx.From

		receipt, ok := receipts[tx.Hash]
		if !ok {
			txInfos = append(txInfos, mevtypes.TransactionInfo{
				Hash: tx.Hash, Position: tx.Position,
				Error: "receipt unavailable",
			})
			continue
		}
		gasUsedByTx[tx.Hash] = receipt.GasUsed

		info := mevtypes.TransactionInfo{
			Hash:     tx.Hash,
			Position: tx.Position,
			Status:   receipt.Status,
			GasUsed:  receipt.GasUsed,
			LogCount: len(receipt.Logs),
		}
		info.EventSigs = eventSigsOf(receipt)

		if receipt.Status == 0 {
			txInfos = append(txInfos, info)
			continue
		}

		result, err := replayer.Replay(ctx, block, tx, receipt)
		if err != nil {
			info.Error = err.Error()
			txInfos = append(txInfos, info)
			continue
		}

		swaps := detector.Detect(ctx, blockNumber, registry, tx, receipt, result)
		swaps = swapdetect.ResolveTokenIdentities(swaps, registry.Get)
		info.SwapCount = len(swaps)
		txInfos = append(txInfos, info)
		allSwaps = append(allSwaps, swaps...)
	}

	// Step 6: run C6 per-tx, C7 block-wide.
	arbDetector := mevdetect.NewArbitrageDetector(opts.ArbEpsilon)
	var arbitrages []mevtypes.Arbitrage
	swapsByTx := groupByTx(allSwaps)
	for _, tx := range txs {
		arbitrages = append(arbitrages, arbDetector.Detect(swapsByTx[tx.Hash])...)
	}

	sandwichDetector := mevdetect.NewSandwichDetector()
	positions := func(h common.Hash) (int, common.Address) { return txPosition[h], txFrom[h] }
	sandwiches := sandwichDetector.Detect(allSwaps, positions, gasUsedByTx)

	inspection := mevtypes.InspectionResult{
		BlockNumber:  blockNumber,
		Transactions: txInfos,
		Swaps:        allSwaps,
		Arbitrages:   arbitrages,
		Sandwiches:   sandwiches,
	}

	out := Result{Inspection: inspection}

	// Step 7 (optional what-if): disabled unless requested, per spec
	// §4.6/§4.7's "disabled by default" clause.
	if opts.WhatIf {
		out.WhatIfArbs = p.whatIfArbitrages(ctx, cache, allSwaps, blockNumber)
		out.WhatIfSandw = p.whatIfSandwiches(ctx, cache, allSwaps)
	}

	// Step 8: return InspectionResult (block number, per-tx info list,
	// full swap list, arbitrages, sandwiches, what-if list).
	return out, nil
}

// whatIfArbitrages builds the token->token multigraph from the block's
// observed swaps and runs the bounded DFS search, per spec §4.6.
func (p *Pipeline) whatIfArbitrages(ctx context.Context, cache *statecache.Cache, swaps []mevtypes.Swap, blockNumber uint64) []mevdetect.WhatIfArbitrage {
	v2 := dex.V2Parser{}
	reserves := map[common.Address]dex.Reserves{}
	for _, s := range swaps {
		if s.Protocol != dex.ProtocolUniswapV2 {
			continue
		}
		if _, ok := reserves[s.Pool]; ok {
			continue
		}
		r, err := v2.GetReserves(ctx, s.Pool, cache)
		if err != nil {
			continue
		}
		reserves[s.Pool] = r
	}
	edges := mevdetect.BuildGraph(swaps, reserves)
	return mevdetect.WhatIfArbitrageDFS(blockNumber, edges, whatIfSeedAmount, 3)
}

// whatIfSeedAmount is the probe size used to walk the what-if
// multigraph: 1 unit at 18-decimal token precision, a neutral size that
// doesn't depend on any specific token's liquidity depth.
var whatIfSeedAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// whatIfSandwiches simulates a front-run/back-run pair around every V2
// swap in the block, per spec §4.7.
func (p *Pipeline) whatIfSandwiches(ctx context.Context, cache *statecache.Cache, swaps []mevtypes.Swap) []mevdetect.WhatIfSandwich {
	v2 := dex.V2Parser{}
	var out []mevdetect.WhatIfSandwich
	for _, s := range swaps {
		if s.Protocol != dex.ProtocolUniswapV2 || s.AmountIn == nil {
			continue
		}
		post, err := v2.GetReserves(ctx, s.Pool, cache)
		if err != nil {
			continue
		}
		pre := approximatePreSwapReserves(post, s)
		if w := mevdetect.WhatIfSandwichFor(s, pre, s.AmountIn); w != nil {
			out = append(out, *w)
		}
	}
	return out
}

// approximatePreSwapReserves backs out the reserves as they stood just
// before s executed, from the post-swap reserves C2 has cached (the
// constant-product relation is invertible given the observed amounts).
func approximatePreSwapReserves(post dex.Reserves, s mevtypes.Swap) dex.Reserves {
	if s.AmountIn == nil || s.AmountOut == nil {
		return post
	}
	return dex.Reserves{
		Reserve0: subClampPositive(post.Reserve0, s.AmountIn),
		Reserve1: addBig(post.Reserve1, s.AmountOut),
	}
}

func subClampPositive(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	if d.Sign() < 0 {
		return big.NewInt(0)
	}
	return d
}

func addBig(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// groupByTx splits a block-wide swap list back into per-transaction
// groups, preserving each group's original relative order, for C6's
// per-transaction cycle scan.
func groupByTx(swaps []mevtypes.Swap) map[common.Hash][]mevtypes.Swap {
	out := map[common.Hash][]mevtypes.Swap{}
	for _, s := range swaps {
		out[s.TxHash] = append(out[s.TxHash], s)
	}
	return out
}

// addressUnion derives the candidate-address set for the whole block:
// every tx participant, every log emitter, and every address in a
// non-first indexed topic, per spec §4.8 step 3.
func addressUnion(txs []mevtypes.Transaction, receipts map[common.Hash]mevtypes.Receipt) []common.Address {
	seen := map[common.Address]bool{}
	var out []common.Address
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, tx := range txs {
		add(tx.From)
		if tx.To != nil {
			add(*tx.To)
		}
		if r, ok := receipts[tx.Hash]; ok {
			for _, l := range r.Logs {
				add(l.Address)
				for i, t := range l.Topics {
					if i == 0 {
						continue
					}
					add(common.BytesToAddress(t.Bytes()[12:]))
				}
			}
		}
	}
	return out
}

// buildPoolRegistry derives the pool-address union from swap-topic logs
// (spec §4.8 step 4), resolves any pool not already known to the
// persistent store via a single batched token0()/token1() RPC round,
// and also applies the PairCreated/PoolCreated factory-event immediate-
// population rule from spec §4.4.
func (p *Pipeline) buildPoolRegistry(ctx context.Context, cache *statecache.Cache, receipts map[common.Hash]mevtypes.Receipt, blockNumber uint64) (*poolRegistry, error) {
	registry := &poolRegistry{protocol: map[common.Address]string{}, cache: cache}

	var unresolved []common.Address
	seen := map[common.Address]bool{}

	for _, r := range receipts {
		for _, l := range r.Logs {
			switch {
			case len(l.Topics) > 0 && l.Topics[0] == dex.SwapTopicV2:
				registry.protocol[l.Address] = dex.ProtocolUniswapV2
			case len(l.Topics) > 0 && l.Topics[0] == dex.SwapTopicV3:
				registry.protocol[l.Address] = dex.ProtocolUniswapV3
			case len(l.Topics) > 0 && l.Topics[0] == dex.PairCreatedTopic:
				p.populateFromPairCreated(cache, l, blockNumber)
				continue
			case len(l.Topics) > 0 && l.Topics[0] == dex.PoolCreatedTopic:
				p.populateFromPoolCreated(cache, l, blockNumber)
				continue
			default:
				continue
			}
			if seen[l.Address] {
				continue
			}
			seen[l.Address] = true
			if _, _, ok := cache.Pools().Get(l.Address); !ok {
				unresolved = append(unresolved, l.Address)
			}
		}
	}

	if len(unresolved) > 0 {
		resolved, err := p.rpc.BatchPoolTokens(ctx, unresolved, blockNumber)
		if err != nil {
			return nil, err
		}
		if err := cache.InstallManyPoolTokens(resolved, blockNumber); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// populateFromPairCreated implements spec §4.4's rule that a
// PairCreated log gives a V2 pool's tokens directly, without a further
// RPC. Layout: `PairCreated(address indexed token0, address indexed
// token1, address pair, uint256 allPairsLength)` — pair is the first
// non-indexed word, at Data[0:32].
func (p *Pipeline) populateFromPairCreated(cache *statecache.Cache, l mevtypes.LogRecord, blockNumber uint64) {
	if len(l.Topics) < 3 {
		return
	}
	token0 := common.BytesToAddress(l.Topics[1].Bytes()[12:])
	token1 := common.BytesToAddress(l.Topics[2].Bytes()[12:])
	if len(l.Data) < 32 {
		return
	}
	pool := common.BytesToAddress(l.Data[0:32][12:])
	_ = cache.InstallManyPoolTokens(map[common.Address]rpcclient.PoolTokens{
		pool: {Token0: token0, Token1: token1},
	}, blockNumber)
}

// populateFromPoolCreated implements spec §4.4's rule for V3's
// `PoolCreated(address indexed token0, address indexed token1, uint24
// indexed fee, int24 tickSpacing, address pool)`: token0/token1/fee are
// indexed (topics[1:4]), leaving tickSpacing as the first non-indexed
// word (Data[0:32]) and pool as the second (Data[32:64]).
func (p *Pipeline) populateFromPoolCreated(cache *statecache.Cache, l mevtypes.LogRecord, blockNumber uint64) {
	if len(l.Topics) < 4 {
		return
	}
	token0 := common.BytesToAddress(l.Topics[1].Bytes()[12:])
	token1 := common.BytesToAddress(l.Topics[2].Bytes()[12:])
	if len(l.Data) < 64 {
		return
	}
	pool := common.BytesToAddress(l.Data[32:64][12:])
	_ = cache.InstallManyPoolTokens(map[common.Address]rpcclient.PoolTokens{
		pool: {Token0: token0, Token1: token1},
	}, blockNumber)
}

// eventSigsOf collects the first-topic signatures observed in a
// receipt's logs, for TransactionInfo.EventSigs.
func eventSigsOf(r mevtypes.Receipt) []string {
	var sigs []string
	for _, l := range r.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		sigs = append(sigs, l.Topics[0].Hex())
	}
	return sigs
}
