package btc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// Client queries the Bitcoin data provider, an esplora-style REST service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type ChainInfo struct {
	Chain  string `json:"chain"`
	Blocks uint64 `json:"blocks"`
}

type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type Tx struct {
	Txid   string   `json:"txid"`
	Status TxStatus `json:"status"`
}

// GetChainInfo returns the provider's view of the Bitcoin chain and tip.
func (c *Client) GetChainInfo(ctx context.Context) (*ChainInfo, error) {
	var info ChainInfo
	if err := c.get(ctx, "/bitcoin/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetTx returns a transaction with its confirmation status. A transaction the
// provider has not seen yet maps to types.ErrTxNotFound.
func (c *Client) GetTx(ctx context.Context, txid string) (*Tx, error) {
	var tx Tx
	if err := c.get(ctx, fmt.Sprintf("/bitcoin/v1/transaction/%s", txid), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request %s: %v", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %v", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return types.ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal %s response: %v", path, err)
	}
	return nil
}
