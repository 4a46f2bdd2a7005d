// Package rpcclient implements C1, the RPC Facade: a uniform, blocking
// JSON-RPC 2.0 interface over HTTP that hides batching, retries, and hex
// decoding from the rest of the pipeline. Grounded on the teacher's
// eth_rpc.go (rpcCall/rpcRequest/rpcResponse/envOr shape) and on the
// optimism op-service/sources/receipts.go example's rpc.BatchElem /
// CallContext / BatchCallContext pattern.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// rpcRequest is one element of a JSON-RPC 2.0 call or batch.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is one element of a JSON-RPC 2.0 response or batch.
type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorObject `json:"error"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transport is the minimal seam C1 depends on. The production
// implementation is httpTransport; tests substitute a counting mock to
// verify the "exactly one RPC per (address,block)" and "O(1) batched
// round trips per block" properties from spec §8.
type Transport interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
	// BatchCall issues one HTTP round trip for all requests. If the
	// endpoint rejects the batch form, BatchCall returns errBatchRejected
	// and the caller falls back to serial Call invocations.
	BatchCall(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error)
}

// BatchRequest is one call within a batch, identified by a caller-chosen
// key so results can be matched back up regardless of response ordering.
type BatchRequest struct {
	Key    string
	Method string
	Params []any
}

// BatchResult pairs a BatchRequest's Key with its outcome.
type BatchResult struct {
	Key    string
	Result json.RawMessage
	Err    error
}

var errBatchRejected = fmt.Errorf("rpc: batch request rejected by endpoint")

// httpTransport is the default Transport: a single JSON-RPC endpoint over
// HTTP, retrying network-layer failures and HTTP 429 with bounded
// exponential backoff; a single request answered with RPC code -32005 is
// re-issued once by retryRpcError, per spec §4.1 and §7.
type httpTransport struct {
	url        string
	httpClient *http.Client
	maxRetries int
	log        *zap.SugaredLogger
}

// NewHTTPTransport builds the default transport against url.
func NewHTTPTransport(url string, timeout time.Duration, maxRetries int, log *zap.SugaredLogger) Transport {
	return &httpTransport{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		log:        log,
	}
}

func (t *httpTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	results, err := t.post(ctx, []rpcRequest{{JSONRPC: "2.0", ID: 1, Method: method, Params: params}})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &mevtypes.RpcUnavailable{Method: method, Cause: fmt.Errorf("empty response")}
	}
	if results[0].Error != nil {
		return nil, &mevtypes.RpcError{Code: results[0].Error.Code, Message: results[0].Error.Message}
	}
	return results[0].Result, nil
}

func (t *httpTransport) BatchCall(ctx context.Context, reqs []BatchRequest) ([]BatchResult, error) {
	wire := make([]rpcRequest, len(reqs))
	for i, r := range reqs {
		wire[i] = rpcRequest{JSONRPC: "2.0", ID: i, Method: r.Method, Params: r.Params}
	}
	responses, err := t.post(ctx, wire)
	if err != nil {
		if err == errBatchRejected {
			return nil, errBatchRejected
		}
		return nil, err
	}
	byID := make(map[int]rpcResponse, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}
	out := make([]BatchResult, len(reqs))
	for i, r := range reqs {
		resp, ok := byID[i]
		if !ok {
			out[i] = BatchResult{Key: r.Key, Err: &mevtypes.RpcUnavailable{Method: r.Method, Cause: fmt.Errorf("missing batch response id %d", i)}}
			continue
		}
		if resp.Error != nil {
			out[i] = BatchResult{Key: r.Key, Err: &mevtypes.RpcError{Code: resp.Error.Code, Message: resp.Error.Message}}
			continue
		}
		out[i] = BatchResult{Key: r.Key, Result: resp.Result}
	}
	return out, nil
}

// post performs one HTTP round trip for the given batch (single-element
// batches are valid JSON-RPC), retrying on transport failures and HTTP
// 429 with exponential backoff bounded by maxRetries. A single request
// answered with RPC -32005 is re-issued once, immediately, outside that
// loop; batch responses are returned as received.
func (t *httpTransport) post(ctx context.Context, reqs []rpcRequest) ([]rpcResponse, error) {
	var body []byte
	var err error
	if len(reqs) == 1 {
		body, err = json.Marshal(reqs[0])
	} else {
		body, err = json.Marshal(reqs)
	}
	if err != nil {
		return nil, &mevtypes.DecodeError{Location: "rpc request marshal", Cause: err}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithMaxRetries(bo, uint64(t.maxRetries))

	var respBody []byte
	var statusCode int
	attempt := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("content-type", "application/json")

		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			if t.log != nil {
				t.log.Warnw("rpc: transport error, retrying", "error", err)
			}
			return err // retryable network error
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if statusCode == http.StatusTooManyRequests {
			return fmt.Errorf("http 429")
		}
		if statusCode == http.StatusBadRequest && len(reqs) > 1 {
			// Some endpoints reject array payloads outright.
			return backoff.Permanent(errBatchRejected)
		}
		if statusCode/100 != 2 {
			return backoff.Permanent(fmt.Errorf("http %d", statusCode))
		}
		return nil
	}

	if err := backoff.Retry(attempt, boCtx); err != nil {
		if err == errBatchRejected {
			return nil, errBatchRejected
		}
		return nil, &mevtypes.RpcUnavailable{Method: methodsOf(reqs), Cause: err}
	}

	if len(reqs) == 1 {
		var single rpcResponse
		if err := json.Unmarshal(respBody, &single); err != nil {
			return nil, &mevtypes.DecodeError{Location: "rpc response unmarshal", Cause: err}
		}
		if single.Error != nil && single.Error.Code == -32005 {
			// Retry once explicitly for the "limit exceeded" case: it
			// arrives as a 2xx-wrapped RPC error, so the HTTP layer saw
			// no transport failure and the retry loop above did not fire.
			return t.retryRpcError(ctx, reqs)
		}
		return []rpcResponse{single}, nil
	}

	var many []rpcResponse
	if err := json.Unmarshal(respBody, &many); err != nil {
		return nil, &mevtypes.DecodeError{Location: "rpc batch response unmarshal", Cause: err}
	}
	return many, nil
}

// retryRpcError re-issues a request that came back with RPC code -32005
// wrapped in an HTTP 200, the one Protocol-taxonomy error §7 marks
// retryable.
func (t *httpTransport) retryRpcError(ctx context.Context, reqs []rpcRequest) ([]rpcResponse, error) {
	body, err := json.Marshal(reqs[0])
	if err != nil {
		return nil, &mevtypes.DecodeError{Location: "rpc retry marshal", Cause: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &mevtypes.RpcUnavailable{Method: reqs[0].Method, Cause: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var single rpcResponse
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, &mevtypes.DecodeError{Location: "rpc retry response unmarshal", Cause: err}
	}
	return []rpcResponse{single}, nil
}

func methodsOf(reqs []rpcRequest) string {
	if len(reqs) == 1 {
		return reqs[0].Method
	}
	return fmt.Sprintf("batch[%d]", len(reqs))
}
