// Package report serializes an InspectionResult to the full/basic JSON
// shapes spec §6 defines. Adapted from the teacher's meta.go envelope
// idiom (sanitized, versioned JSON payloads for external consumption).
package report

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mevlens/mevinspect-go/internal/mevdetect"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// wethAddress is the canonical wrapped-ether contract; profit figures
// denominated in it get an additional ETH-denominated field, per spec
// §4.6's "conversion to ETH is attempted only when profit_token is the
// wrapped-ether address" rule.
var wethAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

// weiPerEth is 10^18, used to convert a wei-denominated profit to a
// human-readable ETH figure via shopspring/decimal, which carries exact
// base-10 fixed-point arithmetic instead of a lossy float division.
var weiPerEth = decimal.New(1, 18)

// ethFigure renders amount (in wei, only meaningful when profitToken is
// WETH) as a decimal ETH string; it returns "" when the profit isn't
// WETH-denominated, per spec §4.6/§4.7 ("otherwise the ETH figure is
// left at 0 and the raw token amount stands").
func ethFigure(profitToken common.Address, amount *big.Int) string {
	if profitToken != wethAddress || amount == nil {
		return ""
	}
	wei := decimal.NewFromBigInt(amount, 0)
	return wei.Div(weiPerEth).String()
}

// maxSafeInteger is 2^53-1, the largest integer JSON numbers can carry
// without precision loss; amounts above it are serialized as decimal
// strings instead, per spec §6.
var maxSafeInteger = big.NewInt(1<<53 - 1)

// Amount renders big.Int either as a JSON number or a decimal string
// depending on magnitude, per spec §6.
type Amount struct {
	*big.Int
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return []byte("0"), nil
	}
	abs := new(big.Int).Abs(a.Int)
	if abs.Cmp(maxSafeInteger) <= 0 {
		return []byte(a.Int.String()), nil
	}
	return json.Marshal(a.Int.String())
}

// Mode selects which report shape to render.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeBasic Mode = "basic"
)

type swapView struct {
	TxHash      string  `json:"tx_hash"`
	Protocol    string  `json:"protocol"`
	Pool        string  `json:"pool"`
	TokenIn     string  `json:"token_in"`
	TokenOut    string  `json:"token_out"`
	AmountIn    Amount  `json:"amount_in"`
	AmountOut   Amount  `json:"amount_out"`
	Sender      string  `json:"sender"`
	Recipient   string  `json:"recipient"`
	Detection   string  `json:"detection"`
	Confidence  float64 `json:"confidence"`
	MultiHop    bool    `json:"multi_hop"`
}

func newSwapView(s mevtypes.Swap) swapView {
	return swapView{
		TxHash:     s.TxHash.Hex(),
		Protocol:   s.Protocol,
		Pool:       s.Pool.Hex(),
		TokenIn:    s.TokenIn.Hex(),
		TokenOut:   s.TokenOut.Hex(),
		AmountIn:   Amount{s.AmountIn},
		AmountOut:  Amount{s.AmountOut},
		Sender:     s.Sender.Hex(),
		Recipient:  s.Recipient.Hex(),
		Detection:  string(s.Detection),
		Confidence: s.Confidence,
		MultiHop:   s.MultiHop,
	}
}

type arbitrageView struct {
	TxHash       string     `json:"tx_hash"`
	ProfitToken  string     `json:"profit_token"`
	GrossProfit  Amount     `json:"gross_profit"`
	NetProfit    Amount     `json:"net_profit"`
	NetProfitEth string     `json:"net_profit_eth,omitempty"`
	ProfitRatio  string     `json:"profit_ratio"`
	Path         []swapView `json:"path"`
}

func newArbitrageView(a mevtypes.Arbitrage) arbitrageView {
	view := arbitrageView{
		TxHash:       a.TxHash.Hex(),
		ProfitToken:  a.ProfitToken.Hex(),
		GrossProfit:  Amount{a.GrossProfit},
		NetProfit:    Amount{a.NetProfit},
		NetProfitEth: ethFigure(a.ProfitToken, a.NetProfit),
	}
	if a.ProfitRatio != nil {
		view.ProfitRatio = a.ProfitRatio.Text('f', 6)
	}
	for _, s := range a.Path {
		view.Path = append(view.Path, newSwapView(s))
	}
	return view
}

type sandwichView struct {
	Pool         string   `json:"pool"`
	Searcher     string   `json:"searcher"`
	FrontTx      string   `json:"front_tx"`
	VictimTx     string   `json:"victim_tx"`
	BackTx       string   `json:"back_tx"`
	ProfitToken  string   `json:"profit_token"`
	GrossProfit  Amount   `json:"gross_profit"`
	NetProfit    Amount   `json:"net_profit"`
	NetProfitEth string   `json:"net_profit_eth,omitempty"`
	Front        swapView `json:"front_swap"`
	Victim       swapView `json:"victim_swap"`
	Back         swapView `json:"back_swap"`
}

func newSandwichView(s mevtypes.Sandwich) sandwichView {
	return sandwichView{
		Pool:         s.Pool.Hex(),
		Searcher:     s.Searcher.Hex(),
		FrontTx:      s.FrontTx.Hex(),
		VictimTx:     s.VictimTx.Hex(),
		BackTx:       s.BackTx.Hex(),
		ProfitToken:  s.ProfitToken.Hex(),
		GrossProfit:  Amount{s.GrossProfit},
		NetProfit:    Amount{s.NetProfit},
		NetProfitEth: ethFigure(s.ProfitToken, s.NetProfit),
		Front:        newSwapView(s.FrontSwap),
		Victim:       newSwapView(s.VictimSwap),
		Back:         newSwapView(s.BackSwap),
	}
}

type txInfoView struct {
	Hash      string   `json:"hash"`
	Position  int      `json:"position"`
	Status    uint64   `json:"status"`
	GasUsed   uint64   `json:"gas_used"`
	LogCount  int      `json:"log_count"`
	EventSigs []string `json:"event_sigs"`
	SwapCount int      `json:"swap_count"`
	Error     string   `json:"error,omitempty"`
}

func newTxInfoView(t mevtypes.TransactionInfo) txInfoView {
	return txInfoView{
		Hash:      t.Hash.Hex(),
		Position:  t.Position,
		Status:    t.Status,
		GasUsed:   t.GasUsed,
		LogCount:  t.LogCount,
		EventSigs: t.EventSigs,
		SwapCount: t.SwapCount,
		Error:     t.Error,
	}
}

// Summary holds the block-wide counters and the per-detection-source
// swap counts (a to_basic_dict()-style summary, spec's SUPPLEMENTED
// FEATURES section); both report modes carry all of them.
type Summary struct {
	TransactionCount int `json:"transaction_count"`
	SwapCount        int `json:"swap_count"`
	ArbitrageCount   int `json:"arbitrage_count"`
	SandwichCount    int `json:"sandwich_count"`

	HybridSwaps   int `json:"hybrid_swaps,omitempty"`
	LogOnlySwaps  int `json:"log_only_swaps,omitempty"`
	CallOnlySwaps int `json:"call_only_swaps,omitempty"`
}

func buildSummary(result mevtypes.InspectionResult) Summary {
	s := Summary{
		TransactionCount: len(result.Transactions),
		SwapCount:        len(result.Swaps),
		ArbitrageCount:   len(result.Arbitrages),
		SandwichCount:    len(result.Sandwiches),
	}
	for _, sw := range result.Swaps {
		switch sw.Detection {
		case mevtypes.DetectionHybrid:
			s.HybridSwaps++
		case mevtypes.DetectionLogOnly:
			s.LogOnlySwaps++
		case mevtypes.DetectionCallOnly:
			s.CallOnlySwaps++
		}
	}
	return s
}

// Document is the top-level JSON shape written to the report path.
type Document struct {
	BlockNumber  uint64                     `json:"block_number"`
	Summary      Summary                    `json:"summary"`
	Transactions []txInfoView               `json:"transactions,omitempty"`
	Swaps        []swapView                 `json:"swaps,omitempty"`
	Arbitrages   []arbitrageView            `json:"arbitrages"`
	Sandwiches   []sandwichView             `json:"sandwiches"`
	WhatIfArbs   []mevdetect.WhatIfArbitrage `json:"what_if_arbitrages,omitempty"`
	WhatIfSandw  []mevdetect.WhatIfSandwich  `json:"what_if_sandwiches,omitempty"`
}

// Build renders an InspectionResult into the requested report mode.
func Build(result mevtypes.InspectionResult, mode Mode, whatIfArbs []mevdetect.WhatIfArbitrage, whatIfSandw []mevdetect.WhatIfSandwich) Document {
	doc := Document{
		BlockNumber: result.BlockNumber,
		Summary:     buildSummary(result),
	}
	for _, a := range result.Arbitrages {
		doc.Arbitrages = append(doc.Arbitrages, newArbitrageView(a))
	}
	for _, s := range result.Sandwiches {
		doc.Sandwiches = append(doc.Sandwiches, newSandwichView(s))
	}
	doc.WhatIfArbs = whatIfArbs
	doc.WhatIfSandw = whatIfSandw

	if mode == ModeFull {
		for _, t := range result.Transactions {
			doc.Transactions = append(doc.Transactions, newTxInfoView(t))
		}
		for _, s := range result.Swaps {
			doc.Swaps = append(doc.Swaps, newSwapView(s))
		}
	}
	return doc
}

// Marshal renders the Document as indented JSON, matching the teacher's
// habit of writing human-readable report files.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
