package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// Client reads network state from the indexer's network subgraph gateway.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts uint
}

func NewClient(baseURL string, timeout time.Duration, attempts uint) *Client {
	if attempts == 0 {
		attempts = 3
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		attempts: attempts,
	}
}

func (c *Client) Epoch(ctx context.Context) (int64, error) {
	var resp struct {
		Epoch int64 `json:"epoch"`
	}
	if err := c.get(ctx, "/epoch", &resp); err != nil {
		return 0, err
	}
	return resp.Epoch, nil
}

func (c *Client) Parameters(ctx context.Context) (indexing.NetworkParameters, error) {
	var params indexing.NetworkParameters
	err := c.get(ctx, "/parameters", &params)
	return params, err
}

func (c *Client) Deployments(ctx context.Context) ([]indexing.Deployment, error) {
	var deployments []indexing.Deployment
	err := c.get(ctx, "/deployments", &deployments)
	return deployments, err
}

func (c *Client) Allocations(ctx context.Context, indexer string) ([]indexing.Allocation, error) {
	var allocations []indexing.Allocation
	err := c.get(ctx, "/indexers/"+url.PathEscape(indexer)+"/allocations", &allocations)
	return allocations, err
}

// POI returns the proof of indexing the indexer would present for a deployment at an epoch.
func (c *Client) POI(ctx context.Context, deploymentID string, epoch int64) (string, error) {
	var resp struct {
		POI string `json:"poi"`
	}
	path := fmt.Sprintf("/deployments/%s/poi?epoch=%d", url.PathEscape(deploymentID), epoch)
	if err := c.get(ctx, path, &resp); err != nil {
		return "", err
	}
	if !indexing.IsValidPOI(resp.POI) {
		return "", fmt.Errorf("network view returned malformed poi for %s", deploymentID)
	}
	return resp.POI, nil
}

// WorthCollecting reports whether the query fee receipts of an allocation are worth redeeming.
func (c *Client) WorthCollecting(ctx context.Context, allocationID string) (bool, error) {
	var resp struct {
		WorthCollecting bool `json:"worthCollecting"`
	}
	if err := c.get(ctx, "/allocations/"+url.PathEscape(allocationID)+"/receipts", &resp); err != nil {
		return false, err
	}
	return resp.WorthCollecting, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode >= http.StatusInternalServerError:
				return fmt.Errorf("network view responded %d", resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(fmt.Errorf("network view responded %d on %s", resp.StatusCode, path))
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to decode %s: %w", path, err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Msgf("network view %s: retry attempt %d", path, attempt)
		}),
	)
	if err != nil {
		return &indexing.TransientNetworkError{Op: "GET " + path, Err: err}
	}
	return nil
}
