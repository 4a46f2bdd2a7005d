package mevdetect

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// SandwichDetector finds front-run/victim/back-run triples across a
// whole block's swap list, per spec §4.7.
type SandwichDetector struct{}

// NewSandwichDetector builds a SandwichDetector.
func NewSandwichDetector() *SandwichDetector {
	return &SandwichDetector{}
}

// TxPositionLookup resolves a transaction's position within the block; the
// caller supplies it because Swap itself doesn't carry tx position
// (only BlockNumber and TxHash), so C8 passes the block's tx-position
// index alongside the swap list.
type TxPositionLookup func(txHash common.Hash) (position int, fromAddress common.Address)

// Detect groups swaps by pool, sorts by transaction position within
// each pool group, and scans for the first qualifying (F, V, B) triple
// per front-runner transaction, per spec §4.7. Pools are scanned in the
// order of their first swap in the list.
func (d *SandwichDetector) Detect(swaps []mevtypes.Swap, positions TxPositionLookup, gasUsedByTx map[common.Hash]uint64) []mevtypes.Sandwich {
	byPool := map[common.Address][]mevtypes.Swap{}
	var poolOrder []common.Address
	for _, s := range swaps {
		if _, ok := byPool[s.Pool]; !ok {
			poolOrder = append(poolOrder, s.Pool)
		}
		byPool[s.Pool] = append(byPool[s.Pool], s)
	}

	var out []mevtypes.Sandwich
	for _, pool := range poolOrder {
		group := byPool[pool]
		sort.SliceStable(group, func(i, j int) bool {
			pi, _ := positions(group[i].TxHash)
			pj, _ := positions(group[j].TxHash)
			return pi < pj
		})
		out = append(out, d.scanPool(pool, group, positions, gasUsedByTx)...)
	}
	return out
}

// scanPool finds, for each distinct candidate front-runner, the first
// qualifying triple and stops — spec §4.7's "only the first qualifying
// (F, V, B) per F is reported."
func (d *SandwichDetector) scanPool(pool common.Address, group []mevtypes.Swap, positions TxPositionLookup, gasUsedByTx map[common.Hash]uint64) []mevtypes.Sandwich {
	reportedFront := map[common.Hash]bool{}
	var out []mevtypes.Sandwich

	for fi := 0; fi < len(group); fi++ {
		f := group[fi]
		if reportedFront[f.TxHash] {
			continue
		}
		if s := d.firstTripleFor(pool, group, fi, positions, gasUsedByTx); s != nil {
			out = append(out, *s)
			reportedFront[f.TxHash] = true
		}
	}
	return out
}

// firstTripleFor searches for the first (V, B) pair completing a
// sandwich around front-runner group[fi], returning nil if none exists.
func (d *SandwichDetector) firstTripleFor(pool common.Address, group []mevtypes.Swap, fi int, positions TxPositionLookup, gasUsedByTx map[common.Hash]uint64) *mevtypes.Sandwich {
	f := group[fi]
	_, fFrom := positions(f.TxHash)

	for vi := fi + 1; vi < len(group); vi++ {
		v := group[vi]
		if v.TxHash == f.TxHash {
			continue
		}
		if v.TokenIn != f.TokenIn || v.TokenOut != f.TokenOut {
			continue
		}

		for bi := vi + 1; bi < len(group); bi++ {
			b := group[bi]
			if b.TxHash == f.TxHash || b.TxHash == v.TxHash {
				continue
			}
			_, bFrom := positions(b.TxHash)
			if bFrom != fFrom {
				continue
			}
			if b.TokenIn != v.TokenOut || b.TokenOut != v.TokenIn {
				continue
			}
			if f.AmountIn == nil || b.AmountOut == nil {
				continue
			}
			gross := new(big.Int).Sub(b.AmountOut, f.AmountIn)
			if gross.Sign() <= 0 {
				continue
			}
			gasCost := new(big.Int).SetUint64(gasUsedByTx[f.TxHash] + gasUsedByTx[b.TxHash])
			net := new(big.Int).Sub(gross, gasCost)

			return &mevtypes.Sandwich{
				BlockNumber: f.BlockNumber,
				Pool:        pool,
				Searcher:    fFrom,
				FrontTx:     f.TxHash,
				VictimTx:    v.TxHash,
				BackTx:      b.TxHash,
				ProfitToken: f.TokenIn,
				GrossProfit: gross,
				NetProfit:   net,
				FrontSwap:   f,
				VictimSwap:  v,
				BackSwap:    b,
			}
		}
	}
	return nil
}
