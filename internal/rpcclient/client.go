package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// selector constants for the batched pool-token resolution path, matching
// mev_inspect/rpc.py's batch_get_pool_tokens.
const (
	selectorToken0 = "0x0dfe1681"
	selectorToken1 = "0xd21220a7"
)

// Client is C1, the RPC Facade. All methods decode hex once at this
// boundary into typed values, per SPEC_FULL.md's "Dynamic-typed RPC
// payloads" design note; nothing downstream re-parses hex.
type Client struct {
	transport Transport
	log       *zap.SugaredLogger
}

// New builds a Client around the given Transport.
func New(transport Transport, log *zap.SugaredLogger) *Client {
	return &Client{transport: transport, log: log}
}

func blockTag(n *uint64) string {
	if n == nil {
		return "latest"
	}
	return hexutil.EncodeUint64(*n)
}

// rawBlock mirrors eth_getBlockByNumber's JSON shape before it is decoded
// into mevtypes.BlockMeta / mevtypes.Transaction.
type rawBlock struct {
	Number       string     `json:"number"`
	Hash         string     `json:"hash"`
	Miner        string     `json:"miner"`
	Timestamp    string     `json:"timestamp"`
	GasLimit     string     `json:"gasLimit"`
	BaseFeePerGas string    `json:"baseFeePerGas"`
	MixHash      string     `json:"mixHash"`
	Transactions []rawTx    `json:"transactions"`
}

type rawTx struct {
	Hash             string  `json:"hash"`
	From             string  `json:"from"`
	To               *string `json:"to"`
	Value            string  `json:"value"`
	Input            string  `json:"input"`
	Gas              string  `json:"gas"`
	GasPrice         string  `json:"gasPrice"`
	TransactionIndex string  `json:"transactionIndex"`
}

type rawLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
	LogIndex string  `json:"logIndex"`
}

type rawReceipt struct {
	Status  string   `json:"status"`
	GasUsed string   `json:"gasUsed"`
	Logs    []rawLog `json:"logs"`
}

// hexToBig decodes a quantity field. An absent field (h == "") decodes
// to zero, matching nodes that omit zero-valued fields; a present but
// malformed field is a DecodeError, never silently coerced to zero
// (spec §7's Data error taxonomy).
func hexToBig(location, h string) (*big.Int, error) {
	if h == "" {
		return big.NewInt(0), nil
	}
	n, err := hexutil.DecodeBig(h)
	if err != nil {
		return nil, &mevtypes.DecodeError{Location: location, Cause: err}
	}
	return n, nil
}

func hexToUint64(location, h string) (uint64, error) {
	if h == "" {
		return 0, nil
	}
	n, err := hexutil.DecodeUint64(h)
	if err != nil {
		return 0, &mevtypes.DecodeError{Location: location, Cause: err}
	}
	return n, nil
}

// GetBlock fetches block metadata and full transaction envelopes.
func (c *Client) GetBlock(ctx context.Context, number *uint64) (mevtypes.BlockMeta, []mevtypes.Transaction, error) {
	raw, err := c.transport.Call(ctx, "eth_getBlockByNumber", []any{blockTag(number), true})
	if err != nil {
		return mevtypes.BlockMeta{}, nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return mevtypes.BlockMeta{}, nil, &mevtypes.DecodeError{Location: "eth_getBlockByNumber", Cause: fmt.Errorf("block not found")}
	}
	var rb rawBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return mevtypes.BlockMeta{}, nil, &mevtypes.DecodeError{Location: "eth_getBlockByNumber", Cause: err}
	}

	blockNumber, err := hexToUint64("eth_getBlockByNumber.number", rb.Number)
	if err != nil {
		return mevtypes.BlockMeta{}, nil, err
	}
	timestamp, err := hexToUint64("eth_getBlockByNumber.timestamp", rb.Timestamp)
	if err != nil {
		return mevtypes.BlockMeta{}, nil, err
	}
	gasLimit, err := hexToUint64("eth_getBlockByNumber.gasLimit", rb.GasLimit)
	if err != nil {
		return mevtypes.BlockMeta{}, nil, err
	}
	baseFee, err := hexToBig("eth_getBlockByNumber.baseFeePerGas", rb.BaseFeePerGas)
	if err != nil {
		return mevtypes.BlockMeta{}, nil, err
	}

	meta := mevtypes.BlockMeta{
		Number:     blockNumber,
		Hash:       common.HexToHash(rb.Hash),
		Miner:      common.HexToAddress(rb.Miner),
		Timestamp:  timestamp,
		GasLimit:   gasLimit,
		BaseFee:    baseFee,
		PrevRandao: common.HexToHash(rb.MixHash),
	}

	txs := make([]mevtypes.Transaction, 0, len(rb.Transactions))
	for i, t := range rb.Transactions {
		tx, err := decodeTx(t)
		if err != nil {
			return mevtypes.BlockMeta{}, nil, err
		}
		if t.TransactionIndex == "" {
			tx.Position = i
		}
		txs = append(txs, tx)
	}
	return meta, txs, nil
}

// GetTransaction fetches a single transaction envelope by hash.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (mevtypes.Transaction, error) {
	raw, err := c.transport.Call(ctx, "eth_getTransactionByHash", []any{hash.Hex()})
	if err != nil {
		return mevtypes.Transaction{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return mevtypes.Transaction{}, &mevtypes.DecodeError{Location: "eth_getTransactionByHash", Cause: fmt.Errorf("tx not found")}
	}
	var t rawTx
	if err := json.Unmarshal(raw, &t); err != nil {
		return mevtypes.Transaction{}, &mevtypes.DecodeError{Location: "eth_getTransactionByHash", Cause: err}
	}
	return decodeTx(t)
}

func decodeTx(t rawTx) (mevtypes.Transaction, error) {
	var to *common.Address
	if t.To != nil && *t.To != "" {
		a := common.HexToAddress(*t.To)
		to = &a
	}
	value, err := hexToBig("tx.value", t.Value)
	if err != nil {
		return mevtypes.Transaction{}, err
	}
	gas, err := hexToUint64("tx.gas", t.Gas)
	if err != nil {
		return mevtypes.Transaction{}, err
	}
	gasPrice, err := hexToBig("tx.gasPrice", t.GasPrice)
	if err != nil {
		return mevtypes.Transaction{}, err
	}
	position, err := hexToUint64("tx.transactionIndex", t.TransactionIndex)
	if err != nil {
		return mevtypes.Transaction{}, err
	}
	return mevtypes.Transaction{
		Hash:     common.HexToHash(t.Hash),
		From:     common.HexToAddress(t.From),
		To:       to,
		Value:    value,
		Input:    common.FromHex(t.Input),
		Gas:      gas,
		GasPrice: gasPrice,
		Position: int(position),
	}, nil
}

func decodeReceipt(rr rawReceipt) (mevtypes.Receipt, error) {
	logs := make([]mevtypes.LogRecord, 0, len(rr.Logs))
	for _, l := range rr.Logs {
		topics := make([]common.Hash, 0, len(l.Topics))
		for _, tp := range l.Topics {
			topics = append(topics, common.HexToHash(tp))
		}
		logIndex, err := hexToUint64("receipt.logs.logIndex", l.LogIndex)
		if err != nil {
			return mevtypes.Receipt{}, err
		}
		logs = append(logs, mevtypes.LogRecord{
			Address: common.HexToAddress(l.Address),
			Topics:  topics,
			Data:    common.FromHex(l.Data),
			Index:   int(logIndex),
		})
	}
	status, err := hexToUint64("receipt.status", rr.Status)
	if err != nil {
		return mevtypes.Receipt{}, err
	}
	gasUsed, err := hexToUint64("receipt.gasUsed", rr.GasUsed)
	if err != nil {
		return mevtypes.Receipt{}, err
	}
	return mevtypes.Receipt{
		Status:  status,
		GasUsed: gasUsed,
		Logs:    logs,
	}, nil
}

// GetReceipt fetches a single transaction receipt by hash.
func (c *Client) GetReceipt(ctx context.Context, hash common.Hash) (mevtypes.Receipt, error) {
	raw, err := c.transport.Call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()})
	if err != nil {
		return mevtypes.Receipt{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return mevtypes.Receipt{}, &mevtypes.DecodeError{Location: "eth_getTransactionReceipt", Cause: fmt.Errorf("receipt not found")}
	}
	var rr rawReceipt
	if err := json.Unmarshal(raw, &rr); err != nil {
		return mevtypes.Receipt{}, &mevtypes.DecodeError{Location: "eth_getTransactionReceipt", Cause: err}
	}
	return decodeReceipt(rr)
}

// GetCode fetches the runtime code of addr at the given block.
func (c *Client) GetCode(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	raw, err := c.transport.Call(ctx, "eth_getCode", []any{addr.Hex(), hexutil.EncodeUint64(block)})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &mevtypes.DecodeError{Location: "eth_getCode", Cause: err}
	}
	return common.FromHex(hexStr), nil
}

// GetStorage fetches one 32-byte word at (addr, slot) for the given block.
func (c *Client) GetStorage(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	raw, err := c.transport.Call(ctx, "eth_getStorageAt", []any{addr.Hex(), slot.Hex(), hexutil.EncodeUint64(block)})
	if err != nil {
		return common.Hash{}, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return common.Hash{}, &mevtypes.DecodeError{Location: "eth_getStorageAt", Cause: err}
	}
	return common.HexToHash(hexStr), nil
}

// GetBalance fetches an address's balance at the given block.
func (c *Client) GetBalance(ctx context.Context, addr common.Address, block uint64) (*big.Int, error) {
	raw, err := c.transport.Call(ctx, "eth_getBalance", []any{addr.Hex(), hexutil.EncodeUint64(block)})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &mevtypes.DecodeError{Location: "eth_getBalance", Cause: err}
	}
	return hexToBig("eth_getBalance", hexStr)
}

// Call performs a historical eth_call against to with calldata at block.
func (c *Client) Call(ctx context.Context, to common.Address, calldata []byte, block uint64) ([]byte, error) {
	args := map[string]any{
		"to":   to.Hex(),
		"data": hexutil.Encode(calldata),
	}
	raw, err := c.transport.Call(ctx, "eth_call", []any{args, hexutil.EncodeUint64(block)})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &mevtypes.DecodeError{Location: "eth_call", Cause: err}
	}
	return common.FromHex(hexStr), nil
}

// BatchReceipts fetches every hash's receipt in one JSON-RPC batch,
// falling back to serial calls if the endpoint rejects array requests.
// Satisfies spec §4.8's "O(1) batched round trips" requirement.
func (c *Client) BatchReceipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]mevtypes.Receipt, error) {
	if len(hashes) == 0 {
		return map[common.Hash]mevtypes.Receipt{}, nil
	}
	reqs := make([]BatchRequest, len(hashes))
	for i, h := range hashes {
		reqs[i] = BatchRequest{Key: h.Hex(), Method: "eth_getTransactionReceipt", Params: []any{h.Hex()}}
	}
	results, err := c.transport.BatchCall(ctx, reqs)
	if err == errBatchRejected {
		if c.log != nil {
			c.log.Warnw("rpc: batch receipts rejected, falling back to serial calls", "count", len(hashes))
		}
		return c.serialReceipts(ctx, hashes)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[common.Hash]mevtypes.Receipt, len(hashes))
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		if len(r.Result) == 0 || string(r.Result) == "null" {
			continue
		}
		var rr rawReceipt
		if err := json.Unmarshal(r.Result, &rr); err != nil {
			return nil, &mevtypes.DecodeError{Location: "batch eth_getTransactionReceipt", Cause: err}
		}
		receipt, err := decodeReceipt(rr)
		if err != nil {
			return nil, err
		}
		out[common.HexToHash(r.Key)] = receipt
	}
	return out, nil
}

func (c *Client) serialReceipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]mevtypes.Receipt, error) {
	out := make(map[common.Hash]mevtypes.Receipt, len(hashes))
	for _, h := range hashes {
		r, err := c.GetReceipt(ctx, h)
		if err != nil {
			return nil, err
		}
		out[h] = r
	}
	return out, nil
}

// BatchCode fetches every address's runtime code at block in one batch.
func (c *Client) BatchCode(ctx context.Context, addrs []common.Address, block uint64) (map[common.Address][]byte, error) {
	if len(addrs) == 0 {
		return map[common.Address][]byte{}, nil
	}
	reqs := make([]BatchRequest, len(addrs))
	for i, a := range addrs {
		reqs[i] = BatchRequest{Key: a.Hex(), Method: "eth_getCode", Params: []any{a.Hex(), hexutil.EncodeUint64(block)}}
	}
	results, err := c.transport.BatchCall(ctx, reqs)
	if err == errBatchRejected {
		if c.log != nil {
			c.log.Warnw("rpc: batch code rejected, falling back to serial calls", "count", len(addrs))
		}
		return c.serialCode(ctx, addrs, block)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address][]byte, len(addrs))
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		var hexStr string
		if err := json.Unmarshal(r.Result, &hexStr); err != nil {
			return nil, &mevtypes.DecodeError{Location: "batch eth_getCode", Cause: err}
		}
		out[common.HexToAddress(r.Key)] = common.FromHex(hexStr)
	}
	return out, nil
}

func (c *Client) serialCode(ctx context.Context, addrs []common.Address, block uint64) (map[common.Address][]byte, error) {
	out := make(map[common.Address][]byte, len(addrs))
	for _, a := range addrs {
		code, err := c.GetCode(ctx, a, block)
		if err != nil {
			return nil, err
		}
		out[a] = code
	}
	return out, nil
}

// PoolTokens is the (token0, token1) pair a pool resolves to.
type PoolTokens struct {
	Token0 common.Address
	Token1 common.Address
}

// BatchPoolTokens resolves token0()/token1() for every pool in one batch,
// emitting two calls per pool (selectors 0x0dfe1681 / 0xd21220a7) as a
// single JSON-RPC array, per spec §4.1. Pools whose calls come back empty
// are omitted from the result map ("token resolution failure").
func (c *Client) BatchPoolTokens(ctx context.Context, pools []common.Address, block uint64) (map[common.Address]PoolTokens, error) {
	if len(pools) == 0 {
		return map[common.Address]PoolTokens{}, nil
	}
	reqs := make([]BatchRequest, 0, len(pools)*2)
	for _, p := range pools {
		args0 := map[string]any{"to": p.Hex(), "data": selectorToken0}
		args1 := map[string]any{"to": p.Hex(), "data": selectorToken1}
		reqs = append(reqs,
			BatchRequest{Key: p.Hex() + ":0", Method: "eth_call", Params: []any{args0, hexutil.EncodeUint64(block)}},
			BatchRequest{Key: p.Hex() + ":1", Method: "eth_call", Params: []any{args1, hexutil.EncodeUint64(block)}},
		)
	}
	results, err := c.transport.BatchCall(ctx, reqs)
	if err == errBatchRejected {
		if c.log != nil {
			c.log.Warnw("rpc: batch pool-tokens rejected, falling back to serial calls", "count", len(pools))
		}
		return c.serialPoolTokens(ctx, pools, block)
	}
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]json.RawMessage, len(results))
	for _, r := range results {
		if r.Err == nil {
			byKey[r.Key] = r.Result
		}
	}
	out := make(map[common.Address]PoolTokens, len(pools))
	for _, p := range pools {
		t0raw := byKey[p.Hex()+":0"]
		t1raw := byKey[p.Hex()+":1"]
		t0, ok0 := addressFromCallResult(t0raw)
		t1, ok1 := addressFromCallResult(t1raw)
		if !ok0 || !ok1 {
			continue
		}
		out[p] = PoolTokens{Token0: t0, Token1: t1}
	}
	return out, nil
}

func (c *Client) serialPoolTokens(ctx context.Context, pools []common.Address, block uint64) (map[common.Address]PoolTokens, error) {
	out := make(map[common.Address]PoolTokens, len(pools))
	for _, p := range pools {
		r0, err := c.Call(ctx, p, common.FromHex(selectorToken0), block)
		if err != nil {
			continue
		}
		r1, err := c.Call(ctx, p, common.FromHex(selectorToken1), block)
		if err != nil {
			continue
		}
		if len(r0) < 20 || len(r1) < 20 {
			continue
		}
		out[p] = PoolTokens{
			Token0: common.BytesToAddress(r0[len(r0)-20:]),
			Token1: common.BytesToAddress(r1[len(r1)-20:]),
		}
	}
	return out, nil
}

// addressFromCallResult extracts the last 20 bytes of an eth_call result
// JSON string, the standard ABI encoding for a returned address.
func addressFromCallResult(raw json.RawMessage) (common.Address, bool) {
	if len(raw) == 0 {
		return common.Address{}, false
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return common.Address{}, false
	}
	b := common.FromHex(hexStr)
	if len(b) < 20 {
		return common.Address{}, false
	}
	return common.BytesToAddress(b[len(b)-20:]), true
}
