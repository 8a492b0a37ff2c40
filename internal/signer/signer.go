package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// Key roles held by the signing collaborator. Keys never live in this
// process.
const (
	RolePaymaster = "paymaster"
	RoleOperator  = "operator"
)

// Client submits raw ledger transactions to the remote signing service and
// receives them back with witnesses filled in.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type signRequest struct {
	RequestID   string             `json:"request_id"`
	KeyRole     string             `json:"key_role"`
	Transaction *types.Transaction `json:"transaction"`
}

type signResponse struct {
	Transaction *types.Transaction `json:"transaction"`
	Error       string             `json:"error,omitempty"`
}

// SignTransaction signs tx with the key of the given role and returns the
// signed transaction. The input transaction is not modified.
func (c *Client) SignTransaction(ctx context.Context, role string, tx *types.Transaction) (*types.Transaction, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(&signRequest{
		RequestID:   requestID,
		KeyRole:     role,
		Transaction: tx,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new sign request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("Signer sign request %s, role %s, inputs %d", requestID, role, len(tx.Inputs))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call signer: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read signer response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call signer: unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var signResp signResponse
	if err := json.Unmarshal(respBody, &signResp); err != nil {
		return nil, fmt.Errorf("unmarshal signer response: %v", err)
	}
	if signResp.Error != "" {
		return nil, fmt.Errorf("signer request %s rejected: %s", requestID, signResp.Error)
	}
	if signResp.Transaction == nil {
		return nil, fmt.Errorf("signer request %s: empty transaction", requestID)
	}
	return signResp.Transaction, nil
}
