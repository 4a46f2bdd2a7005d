package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// V2 critical storage slots, spec §4.4.
const (
	slotV2Token0   = 6
	slotV2Token1   = 7
	slotV2Reserves = 8
)

// V2Parser decodes Uniswap V2 / Sushi-style swap events and calldata.
type V2Parser struct{}

// CriticalSlots returns the storage slots C3 should preload for a V2 pool.
func (V2Parser) CriticalSlots() []common.Hash {
	return []common.Hash{slotHash(slotV2Token0), slotHash(slotV2Token1), slotHash(slotV2Reserves)}
}

// ParseSwapLog decodes a V2 Swap event log into amounts and direction.
// Returns ok=false if the log doesn't match the V2 swap topic or the
// payload doesn't decode to a valid single direction (spec §4.4).
func (V2Parser) ParseSwapLog(l mevtypes.LogRecord) (amountIn, amountOut *big.Int, zeroForOne bool, ok bool) {
	if len(l.Topics) == 0 || l.Topics[0] != SwapTopicV2 {
		return nil, nil, false, false
	}
	if len(l.Data) < 128 {
		return nil, nil, false, false
	}
	amount0In := new(big.Int).SetBytes(l.Data[0:32])
	amount1In := new(big.Int).SetBytes(l.Data[32:64])
	amount0Out := new(big.Int).SetBytes(l.Data[64:96])
	amount1Out := new(big.Int).SetBytes(l.Data[96:128])

	zero := big.NewInt(0)
	switch {
	case amount0In.Cmp(zero) > 0 && amount1Out.Cmp(zero) > 0:
		return amount0In, amount1Out, true, true
	case amount1In.Cmp(zero) > 0 && amount0Out.Cmp(zero) > 0:
		return amount1In, amount0Out, false, true
	default:
		return nil, nil, false, false
	}
}

// DecodeSwapCall decodes the V2 pool `swap(uint256,uint256,address,bytes)`
// calldata into (amount0Out, amount1Out, recipient), per spec §4.3/§4.5.
func (V2Parser) DecodeSwapCall(input []byte) (amount0Out, amount1Out *big.Int, recipient common.Address, ok bool) {
	// selector(4) + amount0Out(32) + amount1Out(32) + to(32) + bytes-offset(32)...
	if len(input) < 4+32*3 {
		return nil, nil, common.Address{}, false
	}
	body := input[4:]
	amount0Out = new(big.Int).SetBytes(body[0:32])
	amount1Out = new(big.Int).SetBytes(body[32:64])
	recipient = common.BytesToAddress(body[64:96])
	return amount0Out, amount1Out, recipient, true
}

// ResolveTokens returns pool's (token0, token1) using the priority order
// spec §4.4 specifies: persistent cache, then storage-slot read. The
// batched token0()/token1() RPC fallback is performed by C8 ahead of time
// via rpcclient.BatchPoolTokens and installed into the persistent cache,
// so by the time a decoder runs, only cache/storage remain.
func (V2Parser) ResolveTokens(ctx context.Context, pool common.Address, cache PoolResolver, storage StorageReader) (token0, token1 common.Address, err error) {
	if t0, t1, ok := cache.Get(pool); ok {
		return t0, t1, nil
	}
	w0, err := storage.GetStorage(ctx, pool, slotHash(slotV2Token0))
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	w1, err := storage.GetStorage(ctx, pool, slotHash(slotV2Token1))
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	t0 := common.BytesToAddress(w0.Bytes())
	t1 := common.BytesToAddress(w1.Bytes())
	if t0 == (common.Address{}) || t1 == (common.Address{}) {
		return common.Address{}, common.Address{}, fmt.Errorf("dex: v2 token resolution failed for pool %s", pool.Hex())
	}
	return t0, t1, nil
}

// Reserves is the packed (reserve0, reserve1) pair read from slot 8.
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// GetReserves reads and unpacks the V2 reserve slot: reserve0 (112 bits),
// reserve1 (112 bits), blockTimestampLast (32 bits), packed low-to-high.
func (V2Parser) GetReserves(ctx context.Context, pool common.Address, storage StorageReader) (Reserves, error) {
	word, err := storage.GetStorage(ctx, pool, slotHash(slotV2Reserves))
	if err != nil {
		return Reserves{}, err
	}
	raw := new(big.Int).SetBytes(word.Bytes())
	mask112 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(1))
	reserve0 := new(big.Int).And(raw, mask112)
	reserve1 := new(big.Int).And(new(big.Int).Rsh(raw, 112), mask112)
	return Reserves{Reserve0: reserve0, Reserve1: reserve1}, nil
}

// CalculateOutput is the constant-product estimator from spec §4.4:
// out = amount_in * 997 * reserve_out / (reserve_in * 1000 + amount_in * 997).
func (V2Parser) CalculateOutput(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 || amountIn.Sign() <= 0 {
		return big.NewInt(0)
	}
	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Add(new(big.Int).Mul(reserveIn, big.NewInt(1000)), amountInWithFee)
	return new(big.Int).Div(numerator, denominator)
}

// IsPoolCode is a code-signature probe: V2 pools implement getReserves(),
// selector 0x0902f1ac, spec §4.4.
func (V2Parser) IsPoolCode(code []byte) bool {
	return containsSelector(code, "0x0902f1ac")
}
