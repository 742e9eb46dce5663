package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cometjson "github.com/cometbft/cometbft/libs/json"

	"github.com/onenameio/blockstore/evaluator"
	"github.com/onenameio/blockstore/types"
)

// OracleHTTPClient implements evaluator.BlockValidator against the local
// ledger node's block validation endpoint. A transport failure is returned as
// an error so the caller can retry; only an explicit verdict decides the
// proposal.
type OracleHTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ evaluator.BlockValidator = (*OracleHTTPClient)(nil)

type validateResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func NewOracleHTTPClient(address string, timeout time.Duration) (*OracleHTTPClient, error) {
	sanitized, err := SanitizeAddress(address)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &OracleHTTPClient{
		baseURL:    "http://" + sanitized,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *OracleHTTPClient) ValidateBlock(ctx context.Context, candidate *types.BlockCandidate) (*evaluator.Verdict, error) {
	body, err := cometjson.Marshal(candidate)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/block_validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}
	bz, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var vr validateResponse
	if err := cometjson.Unmarshal(bz, &vr); err != nil {
		return nil, err
	}
	return &evaluator.Verdict{Accepted: vr.Accepted, Reason: vr.Reason}, nil
}
