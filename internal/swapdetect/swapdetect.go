// Package swapdetect implements C5, the Swap Detector: a four-stage
// pipeline that reconciles log-derived and call-derived swap candidates
// into a single confidence-scored Swap list per transaction. Grounded on
// mev_inspect/swaps.py's get_swaps / log-and-trace fusion.
package swapdetect

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mevlens/mevinspect-go/internal/dex"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// Confidence scores, spec §4.5 — fixed, not configurable.
const (
	ConfidenceHybrid   = 0.95
	ConfidenceLogOnly  = 0.65
	ConfidenceCallOnly = 0.55
)

// PoolProtocolResolver lets the detector decide which DEX parser applies
// to a given pool address, via C2's persistent pool-token store coupled
// with a code-signature probe supplied by the caller (C8), since the
// detector itself has no RPC access.
type PoolProtocolResolver interface {
	ProtocolOf(pool common.Address) (protocol string, ok bool)
}

// Detector runs the four-stage fusion pipeline for one transaction.
type Detector struct {
	minConfidence float64
}

// New builds a Detector. minConfidence implements spec §4.5's
// "min_confidence" clamp: swaps scoring below it are dropped.
func New(minConfidence float64) *Detector {
	return &Detector{minConfidence: minConfidence}
}

// logCandidate is a Stage 1 intermediate: a swap decoded directly from a
// Swap event log, before it is reconciled against any call evidence.
type logCandidate struct {
	pool       common.Address
	protocol   string
	tokenIn    common.Address
	tokenOut   common.Address
	amountIn   *big.Int
	amountOut  *big.Int
	logIndex   int
}

// callCandidate is a Stage 2 intermediate: a swap inferred purely from a
// recognized router/pool selector's internal call, with no log backing.
type callCandidate struct {
	pool      common.Address
	protocol  string
	callIndex int
	depth     int
	sender    common.Address
	recipient common.Address
}

// Detect runs all four stages for one transaction and returns the final
// Swap list, per spec §4.5.
func (d *Detector) Detect(ctx context.Context, blockNumber uint64, resolver PoolProtocolResolver, tx mevtypes.Transaction, receipt mevtypes.Receipt, replay *mevtypes.ReplayResult) []mevtypes.Swap {
	logCands := d.stageLogCandidates(resolver, receipt)
	callCands := d.stageCallCandidates(resolver, replay)
	swaps := d.stageFuse(tx, logCands, callCands)
	swaps = d.stageGroupMultiHop(swaps)
	swaps = d.clamp(swaps)
	for i := range swaps {
		swaps[i].BlockNumber = blockNumber
		swaps[i].GasUsed = receipt.GasUsed
	}
	return swaps
}

// stageLogCandidates is Stage 1: decode every Swap-topic log using the
// protocol-appropriate DEX parser.
func (d *Detector) stageLogCandidates(resolver PoolProtocolResolver, receipt mevtypes.Receipt) []logCandidate {
	var out []logCandidate
	v2 := dex.V2Parser{}
	v3 := dex.V3Parser{}
	for _, l := range receipt.Logs {
		protocol, ok := resolver.ProtocolOf(l.Address)
		if !ok {
			continue
		}
		switch protocol {
		case dex.ProtocolUniswapV2:
			amountIn, amountOut, zeroForOne, ok := v2.ParseSwapLog(l)
			if !ok {
				continue
			}
			out = append(out, d.toLogCandidate(l.Address, protocol, amountIn, amountOut, zeroForOne, l.Index))
		case dex.ProtocolUniswapV3:
			amountIn, amountOut, zeroForOne, ok := v3.ParseSwapLog(l)
			if !ok {
				continue
			}
			out = append(out, d.toLogCandidate(l.Address, protocol, amountIn, amountOut, zeroForOne, l.Index))
		}
	}
	return out
}

// toLogCandidate sets TokenIn/TokenOut to the token0/token1 side markers
// from zeroAddrMarker; C8 replaces them with real addresses from the
// pool-token store via ResolveTokenIdentities (token identity is a pool-level fact, not something the log
// itself carries beyond which side of the pair moved).
func (d *Detector) toLogCandidate(pool common.Address, protocol string, amountIn, amountOut *big.Int, zeroForOne bool, logIndex int) logCandidate {
	c := logCandidate{pool: pool, protocol: protocol, amountIn: amountIn, amountOut: amountOut, logIndex: logIndex}
	if zeroForOne {
		c.tokenIn, c.tokenOut = zeroAddrMarker(true), zeroAddrMarker(false)
	} else {
		c.tokenIn, c.tokenOut = zeroAddrMarker(false), zeroAddrMarker(true)
	}
	return c
}

// zeroAddrMarker is a placeholder distinguishing "token0 side" from
// "token1 side" until ResolveTokenIdentities substitutes real addresses.
func zeroAddrMarker(isToken0 bool) common.Address {
	if isToken0 {
		return common.HexToAddress("0x0000000000000000000000000000000000000a")
	}
	return common.HexToAddress("0x0000000000000000000000000000000000000b")
}

// ResolveTokenIdentities replaces the token0/token1 side markers left by
// stageLogCandidates with real token addresses, once the caller (C8) has
// looked the pool up in the pool-token store. Swaps whose pool cannot be
// resolved are dropped, since an unresolved swap fails every downstream
// invariant that depends on token identity (spec §4.5).
func ResolveTokenIdentities(swaps []mevtypes.Swap, lookup func(pool common.Address) (token0, token1 common.Address, ok bool)) []mevtypes.Swap {
	marker0 := zeroAddrMarker(true)
	out := swaps[:0]
	for _, s := range swaps {
		if s.TokenIn != marker0 && s.TokenIn != zeroAddrMarker(false) {
			out = append(out, s)
			continue
		}
		t0, t1, ok := lookup(s.Pool)
		if !ok {
			continue
		}
		if s.TokenIn == marker0 {
			s.TokenIn, s.TokenOut = t0, t1
		} else {
			s.TokenIn, s.TokenOut = t1, t0
		}
		out = append(out, s)
	}
	return out
}

// stageCallCandidates is Stage 2: scan the replay's internal calls for
// recognized swap selectors that have no corresponding log candidate —
// this is what lets a swap still be detected when event emission was
// skipped or malformed (spec §4.5's "call-only" path).
func (d *Detector) stageCallCandidates(resolver PoolProtocolResolver, replay *mevtypes.ReplayResult) []callCandidate {
	if replay == nil {
		return nil
	}
	var out []callCandidate
	for i, call := range replay.InternalCalls {
		if !call.Success {
			continue
		}
		if _, ok := dex.IsSwapSelector(call.Selector()); !ok {
			continue
		}
		protocol, ok := resolver.ProtocolOf(call.To)
		if !ok {
			continue
		}
		out = append(out, callCandidate{
			pool:      call.To,
			protocol:  protocol,
			callIndex: i,
			depth:     call.Depth,
			sender:    call.From,
			recipient: call.To,
		})
	}
	return out
}

// stageFuse is Stage 3: for every pool touched by either a log or a call
// candidate, decide a single detection source and confidence, per spec
// §4.5's fusion table:
//
//	log candidate AND call candidate at the same pool -> hybrid,   0.95
//	log candidate only                                -> log-only, 0.65
//	call candidate only                                -> call-only,0.55
func (d *Detector) stageFuse(tx mevtypes.Transaction, logs []logCandidate, calls []callCandidate) []mevtypes.Swap {
	callsByPool := map[common.Address][]callCandidate{}
	for _, c := range calls {
		callsByPool[c.pool] = append(callsByPool[c.pool], c)
	}
	seenPools := map[common.Address]bool{}

	var swaps []mevtypes.Swap
	for _, lc := range logs {
		seenPools[lc.pool] = true
		source := mevtypes.DetectionLogOnly
		confidence := ConfidenceLogOnly
		depth := 0
		var callIdx *int
		if cs, ok := callsByPool[lc.pool]; ok && len(cs) > 0 {
			source = mevtypes.DetectionHybrid
			confidence = ConfidenceHybrid
			depth = cs[0].depth
			ci := cs[0].callIndex
			callIdx = &ci
		}
		logIdx := lc.logIndex
		swaps = append(swaps, mevtypes.Swap{
			TxHash:      tx.Hash,
			Protocol:    lc.protocol,
			Pool:        lc.pool,
			TokenIn:     lc.tokenIn,
			TokenOut:    lc.tokenOut,
			AmountIn:    lc.amountIn,
			AmountOut:   lc.amountOut,
			Sender:      tx.From,
			Recipient:   tx.From,
			Detection:   source,
			Confidence:  confidence,
			CallDepth:   depth,
			LogIndex:    &logIdx,
			CallIndex:   callIdx,
		})
	}

	for pool, cs := range callsByPool {
		if seenPools[pool] {
			continue
		}
		for _, c := range cs {
			ci := c.callIndex
			swaps = append(swaps, mevtypes.Swap{
				TxHash:     tx.Hash,
				Protocol:   c.protocol,
				Pool:       pool,
				Sender:     c.sender,
				Recipient:  c.recipient,
				Detection:  mevtypes.DetectionCallOnly,
				Confidence: ConfidenceCallOnly,
				CallDepth:  c.depth,
				CallIndex:  &ci,
				AmountIn:   big.NewInt(0),
				AmountOut:  big.NewInt(0),
			})
		}
	}
	return swaps
}

// stageGroupMultiHop is Stage 4: swaps within the same transaction are
// ordered by (call depth, log/call index) and flagged MultiHop when more
// than one swap shares the transaction, per spec §4.5's router-hop
// grouping (e.g. swapExactTokensForTokens across several pools).
func (d *Detector) stageGroupMultiHop(swaps []mevtypes.Swap) []mevtypes.Swap {
	if len(swaps) <= 1 {
		return swaps
	}
	ordered := make([]mevtypes.Swap, len(swaps))
	copy(ordered, swaps)
	sortSwaps(ordered)
	for i := range ordered {
		ordered[i].MultiHop = true
	}
	return ordered
}

func sortSwaps(s []mevtypes.Swap) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && swapLess(s[j], s[j-1]) {
			s[j], s[j-1] = s[j-1], s[j]
			j--
		}
	}
}

func swapLess(a, b mevtypes.Swap) bool {
	if a.CallDepth != b.CallDepth {
		return a.CallDepth < b.CallDepth
	}
	ai, bi := indexOf(a), indexOf(b)
	return ai < bi
}

func indexOf(s mevtypes.Swap) int {
	if s.LogIndex != nil {
		return *s.LogIndex
	}
	if s.CallIndex != nil {
		return *s.CallIndex
	}
	return 0
}

// clamp drops swaps scoring below the detector's configured
// min_confidence threshold, spec §4.5.
func (d *Detector) clamp(swaps []mevtypes.Swap) []mevtypes.Swap {
	out := swaps[:0]
	for _, s := range swaps {
		if s.Confidence >= d.minConfidence {
			out = append(out, s)
		}
	}
	return out
}
