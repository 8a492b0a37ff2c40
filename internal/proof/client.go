package proof

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

// Client fetches cross-chain proof material from the SPV proof service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Uint64
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// TxProof is opaque proof material attached to unlock transaction witnesses.
type TxProof struct {
	Proof   json.RawMessage `json:"proof"`
	SpvCell *types.OutPoint `json:"spv_client"`
}

// GetTxProof fetches the SPV proof for a Bitcoin transaction at the given
// confirmation requirement.
func (c *Client) GetTxProof(ctx context.Context, btcTxid string, confirmations uint32) (*TxProof, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"id":      c.nextID.Add(1),
		"jsonrpc": "2.0",
		"method":  "getTxProof",
		"params":  []interface{}{btcTxid, confirmations},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal getTxProof request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("new getTxProof request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call getTxProof: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read getTxProof response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call getTxProof: unexpected status %d: %s", resp.StatusCode, body)
	}

	var rpcResp struct {
		Result *TxProof `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal getTxProof response: %v", err)
	}
	if rpcResp.Error != nil {
		return nil, &types.ChainRpcError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("getTxProof %s: empty result", btcTxid)
	}
	return rpcResp.Result, nil
}
