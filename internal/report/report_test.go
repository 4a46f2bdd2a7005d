package report

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

func TestAmount_MarshalsSmallValueAsNumber(t *testing.T) {
	a := Amount{big.NewInt(12345)}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))
}

func TestAmount_MarshalsLargeValueAsString(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	a := Amount{huge}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, huge.String(), s)
}

func TestAmount_BoundaryAtMaxSafeInteger(t *testing.T) {
	atBoundary := new(big.Int).Set(maxSafeInteger)
	data, err := json.Marshal(Amount{atBoundary})
	require.NoError(t, err)
	assert.Equal(t, atBoundary.String(), string(data))

	overBoundary := new(big.Int).Add(maxSafeInteger, big.NewInt(1))
	data, err = json.Marshal(Amount{overBoundary})
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, overBoundary.String(), s)
}

func TestAmount_NilRendersZero(t *testing.T) {
	data, err := json.Marshal(Amount{})
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestEthFigure_OnlyAppliesToWETH(t *testing.T) {
	amount := new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	assert.Equal(t, "5", ethFigure(wethAddress, amount))
	assert.Equal(t, "", ethFigure(common.HexToAddress("0xdead"), amount))
}

func TestBuild_BasicModeOmitsTxAndSwapDetail(t *testing.T) {
	result := mevtypes.InspectionResult{
		BlockNumber: 100,
		Transactions: []mevtypes.TransactionInfo{
			{Hash: common.HexToHash("0x1"), Position: 0},
		},
		Swaps: []mevtypes.Swap{
			{TxHash: common.HexToHash("0x1"), AmountIn: big.NewInt(1), AmountOut: big.NewInt(1), Detection: mevtypes.DetectionHybrid},
		},
	}
	doc := Build(result, ModeBasic, nil, nil)
	assert.Nil(t, doc.Transactions)
	assert.Nil(t, doc.Swaps)
	assert.Equal(t, 1, doc.Summary.SwapCount)
	assert.Equal(t, 1, doc.Summary.HybridSwaps)
}

func TestBuild_FullModeIncludesTxAndSwapDetail(t *testing.T) {
	result := mevtypes.InspectionResult{
		BlockNumber: 100,
		Transactions: []mevtypes.TransactionInfo{
			{Hash: common.HexToHash("0x1"), Position: 0},
		},
		Swaps: []mevtypes.Swap{
			{TxHash: common.HexToHash("0x1"), AmountIn: big.NewInt(1), AmountOut: big.NewInt(1), Detection: mevtypes.DetectionLogOnly},
		},
	}
	doc := Build(result, ModeFull, nil, nil)
	require.Len(t, doc.Transactions, 1)
	require.Len(t, doc.Swaps, 1)
}

func TestMarshal_ProducesValidJSON(t *testing.T) {
	doc := Build(mevtypes.InspectionResult{BlockNumber: 1}, ModeBasic, nil, nil)
	data, err := Marshal(doc)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(1), out["block_number"])
}
