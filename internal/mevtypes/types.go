// Package mevtypes holds the data model shared by every component of the
// pipeline: block/transaction/receipt envelopes, replay results, and the
// Swap/Arbitrage/Sandwich findings. Grounded on mev_inspect/models.py.
package mevtypes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DetectionSource records how a Swap was identified.
type DetectionSource string

const (
	DetectionHybrid   DetectionSource = "hybrid"
	DetectionLogOnly  DetectionSource = "log-only"
	DetectionCallOnly DetectionSource = "call-only"
)

// CallKind enumerates the EVM message-call types the replayer tracks.
type CallKind string

const (
	CallKindCall         CallKind = "CALL"
	CallKindDelegateCall CallKind = "DELEGATECALL"
	CallKindStaticCall   CallKind = "STATICCALL"
	CallKindCreate       CallKind = "CREATE"
)

// BlockMeta is the immutable block-level context a run is parameterized by.
type BlockMeta struct {
	Number     uint64
	Hash       common.Hash
	Miner      common.Address
	Timestamp  uint64
	GasLimit   uint64
	BaseFee    *big.Int
	PrevRandao common.Hash
}

// Transaction is the envelope replayed by C3.
type Transaction struct {
	Hash             common.Hash
	From             common.Address
	To               *common.Address // nil for contract creation
	Value            *big.Int
	Input            []byte
	Gas              uint64
	GasPrice         *big.Int
	Position         int
}

// LogRecord is one entry of a Receipt's ordered log list.
type LogRecord struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	Index   int // index within the transaction
}

// Receipt is the post-execution outcome of a mined transaction.
type Receipt struct {
	Status  uint64 // 0 or 1
	GasUsed uint64
	Logs    []LogRecord
}

// AccountSnapshot is C2's cached view of an address's pre-block state.
type AccountSnapshot struct {
	Balance *big.Int
	Code    []byte
}

// PoolTokenPair is the immutable (pool, token0, token1) mapping.
type PoolTokenPair struct {
	Pool           common.Address
	Token0         common.Address
	Token1         common.Address
	FirstSeenBlock uint64
}

// InternalCall is one closed sub-call observed during replay.
type InternalCall struct {
	Kind    CallKind
	From    common.Address
	To      common.Address
	Input   []byte
	Output  []byte
	Value   *big.Int
	GasUsed uint64
	Success bool
	Depth   int
}

// Selector returns the first four bytes of the call's input, or the zero
// value if the input is shorter than four bytes.
func (c InternalCall) Selector() [4]byte {
	var sel [4]byte
	if len(c.Input) >= 4 {
		copy(sel[:], c.Input[:4])
	}
	return sel
}

// StateChange is one observed SSTORE with a non-no-op diff.
type StateChange struct {
	Address common.Address
	Slot    common.Hash
	Pre     common.Hash
	Post    common.Hash
}

// ReplayResult is C3's output for a single transaction.
type ReplayResult struct {
	Success       bool
	GasUsed       uint64
	ReturnData    []byte
	InternalCalls []InternalCall
	StateChanges  []StateChange
	Error         string
	Degraded      bool // true if produced via the log-only fallback path
}

// CallsTo returns the internal calls whose callee matches addr.
func (r *ReplayResult) CallsTo(addr common.Address) []InternalCall {
	var out []InternalCall
	for _, c := range r.InternalCalls {
		if c.To == addr {
			out = append(out, c)
		}
	}
	return out
}

// CallsWithSelector returns the internal calls whose selector matches sel.
func (r *ReplayResult) CallsWithSelector(sel [4]byte) []InternalCall {
	var out []InternalCall
	for _, c := range r.InternalCalls {
		if c.Selector() == sel {
			out = append(out, c)
		}
	}
	return out
}

// Swap is a single token trade attributed to a pool within one transaction.
type Swap struct {
	TxHash      common.Hash
	BlockNumber uint64
	Protocol    string // "uniswap_v2", "uniswap_v3", ...
	Pool        common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	AmountOut   *big.Int
	Sender      common.Address
	Recipient   common.Address
	GasUsed     uint64
	Detection   DetectionSource
	Confidence  float64
	CallDepth   int
	LogIndex    *int
	CallIndex   *int
	MultiHop    bool
}

// Arbitrage is a cyclic-profit finding within one transaction.
type Arbitrage struct {
	TxHash       common.Hash
	BlockNumber  uint64
	Path         []Swap
	ProfitToken  common.Address
	GrossProfit  *big.Int
	NetProfit    *big.Int
	ProfitRatio  *big.Float
	GasCost      *big.Int
}

// Sandwich is a front-run/victim/back-run finding within one block.
type Sandwich struct {
	BlockNumber uint64
	Pool        common.Address
	Searcher    common.Address
	FrontTx     common.Hash
	VictimTx    common.Hash
	BackTx      common.Hash
	ProfitToken common.Address
	GrossProfit *big.Int
	NetProfit   *big.Int
	FrontSwap   Swap
	VictimSwap  Swap
	BackSwap    Swap
}

// TransactionInfo summarizes one transaction's contribution to a block run.
type TransactionInfo struct {
	Hash       common.Hash
	Position   int
	Status     uint64
	GasUsed    uint64
	LogCount   int
	EventSigs  []string
	SwapCount  int
	Error      string
}

// InspectionResult is the full output of analyzing one block.
type InspectionResult struct {
	BlockNumber  uint64
	Transactions []TransactionInfo
	Swaps        []Swap
	Arbitrages   []Arbitrage
	Sandwiches   []Sandwich
}
