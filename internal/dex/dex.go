// Package dex implements C4, the DEX Decoders: a closed set of protocol
// modules (Uniswap V2/Sushi-style, Uniswap V3) each exposing a swap-topic
// decoder, a code-signature probe, critical storage slots, and a
// constant-product output estimator. Grounded on mev_inspect/dex/
// uniswap_v2.py, uniswap_v3.py, and dex/base.py's shared parser shape.
package dex

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Protocol names used throughout Swap.Protocol / TransactionInfo.EventSigs.
const (
	ProtocolUniswapV2 = "uniswap_v2"
	ProtocolUniswapV3 = "uniswap_v3"
)

// Keccak256Hex returns the keccak256 hash of sig as a common.Hash, the same
// topic-derivation helper the teacher's sandwich.go calls keccakTopic.
func Keccak256Hex(sig string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	return common.BytesToHash(h.Sum(nil))
}

var (
	// SwapTopicV2 is keccak256("Swap(address,uint256,uint256,uint256,uint256,address)").
	SwapTopicV2 = Keccak256Hex("Swap(address,uint256,uint256,uint256,uint256,address)")
	// SwapTopicV3 is keccak256("Swap(address,address,int256,int256,uint160,uint128,int24)").
	SwapTopicV3 = Keccak256Hex("Swap(address,address,int256,int256,uint160,uint128,int24)")

	// PairCreatedTopic / PoolCreatedTopic let C8 populate the pool-token
	// cache directly from factory events without any further RPC, per
	// spec §4.4.
	PairCreatedTopic = Keccak256Hex("PairCreated(address,address,address,uint256)")
	PoolCreatedTopic = Keccak256Hex("PoolCreated(address,address,uint24,int24,address)")
)

// Selector allow-list, spec §4.4.
var swapSelectors = map[[4]byte]string{
	selector("0x022c0d9f"): "v2_pool_swap",
	selector("0x128acb08"): "v3_pool_swap",
	selector("0x38ed1739"): "swapExactTokensForTokens",
	selector("0x7ff36ab5"): "swapExactETHForTokens",
	selector("0x18cbafe5"): "swapExactTokensForETH",
	selector("0x8803dbee"): "swapTokensForExactTokens",
	selector("0xfb3bdb41"): "swapETHForExactTokens",
	selector("0xc42079f9"): "v3_swap_alt",
	selector("0x5ae401dc"): "router_multicall",
	selector("0xac9650d8"): "router_multicall",
}

func selector(hexSel string) [4]byte {
	b := common.FromHex(hexSel)
	var out [4]byte
	copy(out[:], b)
	return out
}

// IsSwapSelector reports whether sel is in the swap-selector allow-list.
func IsSwapSelector(sel [4]byte) (name string, ok bool) {
	name, ok = swapSelectors[sel]
	return
}

// StorageReader is the subset of C2 the DEX decoders need to resolve
// pool tokens and reserves via storage-slot reads.
type StorageReader interface {
	GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
}

// PoolResolver is the subset of C2's persistent store decoders consult
// before falling back to storage reads or RPC calls.
type PoolResolver interface {
	Get(pool common.Address) (token0, token1 common.Address, ok bool)
}

// slotHash builds the common.Hash key for a small integer storage slot.
func slotHash(slot uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(slot))
}

// containsSelector is a crude code-signature probe: it reports whether
// the 4-byte PUSH4 encoding of sel appears anywhere in a contract's
// runtime code, the same byte-pattern heuristic mev_inspect/replay.py's
// _load_contract_storage uses to identify ERC20/V2/V3 contracts.
func containsSelector(code []byte, hexSel string) bool {
	sel := common.FromHex(hexSel)
	if len(sel) != 4 || len(code) < 4 {
		return false
	}
	for i := 0; i+4 <= len(code); i++ {
		if code[i] == sel[0] && code[i+1] == sel[1] && code[i+2] == sel[2] && code[i+3] == sel[3] {
			return true
		}
	}
	return false
}
