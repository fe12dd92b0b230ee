// Package rpc is a thin JSON-RPC client for a CKB node with the built-in
// indexer enabled. It covers the three calls the service needs: tip
// height, transaction status, and live-cell search by type script.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ckbpop/errs"
)

const defaultTimeout = 10 * time.Second

// StatusCommitted is the tx_status value a transaction reaches once it is
// included in a finalized block. Everything else is in flight or unknown.
const StatusCommitted = "committed"

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// Script mirrors the JSON-RPC representation of a CKB script.
type Script struct {
	CodeHash string `json:"code_hash"`
	HashType string `json:"hash_type"`
	Args     string `json:"args"`
}

// SearchKey selects cells by script for the indexer's get_cells.
type SearchKey struct {
	Script     Script `json:"script"`
	ScriptType string `json:"script_type"`
}

// OutPoint locates a cell by creating transaction and output index.
type OutPoint struct {
	TxHash string       `json:"tx_hash"`
	Index  hexutil.Uint `json:"index"`
}

// CellOutput is the output half of a live cell: capacity plus its lock
// and optional type script.
type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     Script         `json:"lock"`
	Type     *Script        `json:"type"`
}

// Cell is one entry of a get_cells result page.
type Cell struct {
	Output      CellOutput     `json:"output"`
	OutPoint    OutPoint       `json:"out_point"`
	BlockNumber hexutil.Uint64 `json:"block_number"`
	TxIndex     hexutil.Uint   `json:"tx_index"`
	OutputData  string         `json:"output_data"`
}

// CellPage is a page of indexer results with the cursor to fetch the next
// one. An empty Objects slice means the scan is done.
type CellPage struct {
	LastCursor string `json:"last_cursor"`
	Objects    []Cell `json:"objects"`
}

// TransactionStatus is the chain's view of a submitted transaction.
// BlockNumber is only populated once the transaction is committed.
type TransactionStatus struct {
	TxHash      string
	Status      string
	BlockHash   string
	BlockNumber uint64
}

// Confirmed reports whether the transaction is committed on chain.
func (s *TransactionStatus) Confirmed() bool {
	return s != nil && s.Status == StatusCommitted
}

// Client talks JSON-RPC to a single CKB node endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("%s: node returned status %d", method, resp.StatusCode))
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("decode %s response: %w", method, err))
	}
	if rpcResp.Error != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("%s: %w", method, rpcResp.Error))
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("unmarshal %s result: %w", method, err))
	}
	return nil
}

// TipBlockNumber returns the node's current tip height.
func (c *Client) TipBlockNumber(ctx context.Context) (uint64, error) {
	var tip hexutil.Uint64
	if err := c.call(ctx, "get_tip_block_number", []interface{}{}, &tip); err != nil {
		return 0, err
	}
	return uint64(tip), nil
}

// Transaction fetches the status of a transaction by hash. It returns
// (nil, nil) when the node has never seen the hash. For committed
// transactions the containing block's height is resolved with a second
// call.
func (c *Client) Transaction(ctx context.Context, txHash string) (*TransactionStatus, error) {
	var raw struct {
		TxStatus struct {
			Status    string  `json:"status"`
			BlockHash *string `json:"block_hash"`
		} `json:"tx_status"`
	}
	var resp json.RawMessage
	if err := c.call(ctx, "get_transaction", []interface{}{txHash}, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 || string(resp) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("unmarshal transaction %s: %w", txHash, err))
	}
	if raw.TxStatus.Status == "" || raw.TxStatus.Status == "unknown" {
		return nil, nil
	}

	status := &TransactionStatus{TxHash: txHash, Status: raw.TxStatus.Status}
	if raw.TxStatus.BlockHash != nil {
		status.BlockHash = *raw.TxStatus.BlockHash
	}
	if status.Status == StatusCommitted && status.BlockHash != "" {
		number, err := c.blockNumber(ctx, status.BlockHash)
		if err != nil {
			return nil, err
		}
		status.BlockNumber = number
	}
	return status, nil
}

func (c *Client) blockNumber(ctx context.Context, blockHash string) (uint64, error) {
	var block struct {
		Header struct {
			Number hexutil.Uint64 `json:"number"`
		} `json:"header"`
	}
	if err := c.call(ctx, "get_block", []interface{}{blockHash}, &block); err != nil {
		return 0, err
	}
	return uint64(block.Header.Number), nil
}

// Cells fetches one page of live cells matching the search key from the
// node's indexer. An empty cursor starts the scan from the beginning.
func (c *Client) Cells(ctx context.Context, key SearchKey, cursor string, limit int) (*CellPage, error) {
	params := []interface{}{key, "asc", hexutil.Uint64(limit).String()}
	if cursor != "" {
		params = append(params, cursor)
	} else {
		params = append(params, nil)
	}
	var page CellPage
	if err := c.call(ctx, "get_cells", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
