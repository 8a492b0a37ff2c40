package ckb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// Client speaks the ledger JSON-RPC, including the indexer cell search used
// by the paymaster refill and the unlocker scan.
type Client struct {
	rpcURL     string
	indexerURL string
	httpClient *http.Client
	nextID     atomic.Uint64
}

func NewClient(rpcURL, indexerURL string) *Client {
	if indexerURL == "" {
		indexerURL = rpcURL
	}
	return &Client{
		rpcURL:     rpcURL,
		indexerURL: indexerURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SearchKey is the indexer get_cells query.
type SearchKey struct {
	Script     *types.Script `json:"script"`
	ScriptType string        `json:"script_type"`
	Filter     *SearchFilter `json:"filter,omitempty"`
}

type SearchFilter struct {
	Script              *types.Script  `json:"script,omitempty"`
	OutputCapacityRange []types.Uint64 `json:"output_capacity_range,omitempty"`
	ScriptLenRange      []types.Uint64 `json:"script_len_range,omitempty"`
}

type cellPage struct {
	Objects    []types.Cell `json:"objects"`
	LastCursor string       `json:"last_cursor"`
}

// GetCells returns one page of live cells matching key, with a cursor for
// the next page. An empty cursor starts from the beginning.
func (c *Client) GetCells(ctx context.Context, key *SearchKey, limit int, cursor string) ([]types.Cell, string, error) {
	params := []interface{}{key, "asc", types.Uint64(limit)}
	if cursor != "" {
		params = append(params, cursor)
	} else {
		params = append(params, nil)
	}
	var page cellPage
	if err := c.call(ctx, c.indexerURL, "get_cells", params, &page); err != nil {
		return nil, "", err
	}
	return page.Objects, page.LastCursor, nil
}

// SendTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	var hash string
	if err := c.call(ctx, c.rpcURL, "send_transaction", []interface{}{tx, "passthrough"}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

type txStatus struct {
	TxStatus struct {
		Status string `json:"status"`
	} `json:"tx_status"`
}

// GetTransactionStatus returns "pending", "proposed", "committed", "unknown"
// or "rejected".
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (string, error) {
	var status txStatus
	if err := c.call(ctx, c.rpcURL, "get_transaction", []interface{}{hash}, &status); err != nil {
		return "", err
	}
	if status.TxStatus.Status == "" {
		return "unknown", nil
	}
	return status.TxStatus.Status, nil
}

type liveCell struct {
	Cell *struct {
		Output types.CellOutput `json:"output"`
	} `json:"cell"`
	Status string `json:"status"`
}

// GetLiveCellCapacity returns the capacity of a live cell, or an error when
// the outpoint is not live (spent or unknown).
func (c *Client) GetLiveCellCapacity(ctx context.Context, outPoint *types.OutPoint) (uint64, error) {
	var cell liveCell
	if err := c.call(ctx, c.rpcURL, "get_live_cell", []interface{}{outPoint, false}, &cell); err != nil {
		return 0, err
	}
	if cell.Status != "live" || cell.Cell == nil {
		return 0, fmt.Errorf("cell %s is not live: %s", outPoint.String(), cell.Status)
	}
	return uint64(cell.Cell.Output.Capacity), nil
}

// GetTipBlockNumber returns the current ledger tip height.
func (c *Client) GetTipBlockNumber(ctx context.Context) (uint64, error) {
	var tip types.Uint64
	if err := c.call(ctx, c.rpcURL, "get_tip_block_number", []interface{}{}, &tip); err != nil {
		return 0, err
	}
	return uint64(tip), nil
}

type rpcRequest struct {
	ID      uint64        `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		ID:      c.nextID.Add(1),
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %v", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new %s request: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %v", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %v", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: unexpected status %d: %s", method, resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal %s response: %v", method, err)
	}
	if rpcResp.Error != nil {
		// preserve the remote code/message verbatim for diagnosis
		return &types.ChainRpcError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil && len(rpcResp.Result) > 0 && string(rpcResp.Result) != "null" {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %v", method, err)
		}
	}
	return nil
}
