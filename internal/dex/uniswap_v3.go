package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// V3 critical storage slots, spec §4.4. Note: spec.md is explicit that
// slot 4 holds liquidity (the Python source this was distilled from reads
// slot 1 instead; spec.md is unambiguous here, so slot 4 is used — see
// DESIGN.md's Open Question resolution).
const (
	slotV3Slot0     = 0
	slotV3Liquidity = 4
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
var signBit256 = new(big.Int).Lsh(big.NewInt(1), 255)

// fromTwosComplement256 interprets a 32-byte big-endian word as a signed
// int256, per spec §4.4's "convert amounts from two's-complement" note.
func fromTwosComplement256(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if v.Cmp(signBit256) >= 0 {
		v.Sub(v, new(big.Int).Add(maxUint256, big.NewInt(1)))
	}
	return v
}

// V3Parser decodes Uniswap V3 swap events.
type V3Parser struct{}

// CriticalSlots returns the storage slots C3 should preload for a V3 pool.
func (V3Parser) CriticalSlots() []common.Hash {
	return []common.Hash{slotHash(slotV3Slot0), slotHash(slotV3Liquidity)}
}

// ParseSwapLog decodes a V3 Swap event log's (amount0, amount1) payload
// and determines trade direction: the negative amount is the side the
// pool pays out, per spec §4.4.
func (V3Parser) ParseSwapLog(l mevtypes.LogRecord) (amountIn, amountOut *big.Int, zeroForOne bool, ok bool) {
	if len(l.Topics) == 0 || l.Topics[0] != SwapTopicV3 {
		return nil, nil, false, false
	}
	if len(l.Data) < 64 {
		return nil, nil, false, false
	}
	amount0 := fromTwosComplement256(l.Data[0:32])
	amount1 := fromTwosComplement256(l.Data[32:64])

	zero := big.NewInt(0)
	switch {
	case amount0.Cmp(zero) > 0 && amount1.Cmp(zero) < 0:
		// token0 in, token1 out
		return new(big.Int).Abs(amount0), new(big.Int).Abs(amount1), true, true
	case amount1.Cmp(zero) > 0 && amount0.Cmp(zero) < 0:
		return new(big.Int).Abs(amount1), new(big.Int).Abs(amount0), false, true
	default:
		return nil, nil, false, false
	}
}

// ResolveTokens returns a V3 pool's (token0, token1) from the persistent
// cache only; unlike V2Parser.ResolveTokens it reads no storage slots.
// V3 pools don't store token0/token1 in predictable slots the way V2
// does (they're set in the constructor and not at a fixed packed slot);
// this module resolves V3 tokens exclusively from the persistent cache,
// seeded ahead of time by C8's batched token0()/token1() calls.
func (V3Parser) ResolveTokens(pool common.Address, cache PoolResolver) (token0, token1 common.Address, err error) {
	if t0, t1, ok := cache.Get(pool); ok {
		return t0, t1, nil
	}
	return common.Address{}, common.Address{}, fmt.Errorf("dex: v3 token resolution failed for pool %s", pool.Hex())
}

// Slot0 is the unpacked contents of V3's slot0 struct (sqrtPriceX96 and
// tick are the fields this module currently needs).
type Slot0 struct {
	SqrtPriceX96 *big.Int
	Tick         *big.Int
}

// GetSlot0 reads and partially unpacks V3's slot0 storage word.
func (V3Parser) GetSlot0(ctx context.Context, pool common.Address, storage StorageReader) (Slot0, error) {
	word, err := storage.GetStorage(ctx, pool, slotHash(slotV3Slot0))
	if err != nil {
		return Slot0{}, err
	}
	raw := new(big.Int).SetBytes(word.Bytes())
	mask160 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	sqrtPriceX96 := new(big.Int).And(raw, mask160)
	tickRaw := new(big.Int).And(new(big.Int).Rsh(raw, 160), big.NewInt(0xFFFFFF))
	return Slot0{SqrtPriceX96: sqrtPriceX96, Tick: tickRaw}, nil
}

// GetLiquidity reads the V3 liquidity slot.
func (V3Parser) GetLiquidity(ctx context.Context, pool common.Address, storage StorageReader) (*big.Int, error) {
	word, err := storage.GetStorage(ctx, pool, slotHash(slotV3Liquidity))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(word.Bytes()), nil
}

// CalculateOutput is out of scope for the core per spec §4.4: V3 uses
// concentrated liquidity and tick math this module does not implement.
// It returns 0, signaling "not supported" to what-if callers.
func (V3Parser) CalculateOutput(*big.Int, *big.Int, *big.Int) *big.Int {
	return big.NewInt(0)
}

// IsPoolCode is a code-signature probe: V3 pools implement slot0(),
// selector 0x3850c7bd, spec §4.4.
func (V3Parser) IsPoolCode(code []byte) bool {
	return containsSelector(code, "0x3850c7bd")
}
