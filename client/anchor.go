package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	cometjson "github.com/cometbft/cometbft/libs/json"

	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/types"
)

const defaultRequestTimeout = 10 * time.Second

// AnchorHTTPClient implements chainview.AnchorClient over the anchor-chain
// node's HTTP API. The subsystem consumes it only as a source of burn-height,
// consensus-hash, and reward-set facts.
type AnchorHTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	cycleLength uint64
}

var _ chainview.AnchorClient = (*AnchorHTTPClient)(nil)

func NewAnchorHTTPClient(address string, cycleLength uint64) (*AnchorHTTPClient, error) {
	sanitized, err := SanitizeAddress(address)
	if err != nil {
		return nil, err
	}
	if cycleLength == 0 {
		return nil, fmt.Errorf("reward cycle length must be positive")
	}
	return &AnchorHTTPClient{
		baseURL:     "http://" + sanitized,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		cycleLength: cycleLength,
	}, nil
}

func (c *AnchorHTTPClient) CurrentTip(ctx context.Context) (types.SortitionFacts, error) {
	var facts types.SortitionFacts
	if err := c.getJSON(ctx, "/v1/sortitions/current", &facts); err != nil {
		return types.SortitionFacts{}, err
	}
	facts.ObservedAt = time.Now()
	return facts, nil
}

func (c *AnchorHTTPClient) PriorTip(ctx context.Context) (types.SortitionFacts, error) {
	var facts types.SortitionFacts
	if err := c.getJSON(ctx, "/v1/sortitions/prior", &facts); err != nil {
		return types.SortitionFacts{}, err
	}
	return facts, nil
}

func (c *AnchorHTTPClient) BlockHeightToRewardCycle(height uint64) types.RewardCycle {
	return types.RewardCycle(height / c.cycleLength)
}

func (c *AnchorHTTPClient) GetRewardSetSigners(ctx context.Context, cycle types.RewardCycle) ([]types.Registration, error) {
	var registrations []types.Registration
	path := fmt.Sprintf("/v1/reward_set/%d/signers", cycle)
	if err := c.getJSON(ctx, path, &registrations); err != nil {
		return nil, err
	}
	return registrations, nil
}

func (c *AnchorHTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anchor node returned status %d for %s", resp.StatusCode, path)
	}
	bz, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return cometjson.Unmarshal(bz, out)
}
