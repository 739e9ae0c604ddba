package pyth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHermesBase = "https://hermes.pyth.network"

	// Hermes allows 30 requests per 10s per IP; stay well below it.
	hermesRatePerSec = 2

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// FeeQuoter prices a signed update for on-chain submission.
type FeeQuoter interface {
	UpdateFee(ctx context.Context, update [][]byte) (*big.Int, error)
}

// Client implements ports.PriceFeed: signed updates come from Hermes, fees
// from the on-chain Pyth contract.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	fees    FeeQuoter
	logger  *slog.Logger
}

// NewClient creates a Hermes client. An empty base uses the public endpoint.
func NewClient(base string, fees FeeQuoter, logger *slog.Logger) *Client {
	if base == "" {
		base = defaultHermesBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    base,
		limiter: rate.NewLimiter(hermesRatePerSec, 4),
		fees:    fees,
		logger:  logger,
	}
}

// SignedPriceUpdate fetches the latest signed VAA for feedID.
func (c *Client) SignedPriceUpdate(ctx context.Context, feedID string) ([][]byte, error) {
	q := url.Values{}
	q.Add("ids[]", feedID)
	endpoint := c.base + "/api/latest_vaas?" + q.Encode()

	var vaas []string
	if err := c.get(ctx, endpoint, &vaas); err != nil {
		return nil, fmt.Errorf("pyth.SignedPriceUpdate %s: %w", feedID, err)
	}
	if len(vaas) == 0 {
		return nil, fmt.Errorf("pyth.SignedPriceUpdate %s: empty response", feedID)
	}

	update := make([][]byte, 0, len(vaas))
	for _, v := range vaas {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("pyth.SignedPriceUpdate %s: decode vaa: %w", feedID, err)
		}
		update = append(update, b)
	}
	c.logger.Debug("pyth: price update fetched", "feed", feedID, "vaas", len(update))
	return update, nil
}

// UpdateFee asks the Pyth contract what publishing update costs.
func (c *Client) UpdateFee(ctx context.Context, update [][]byte) (*big.Int, error) {
	if c.fees == nil {
		return nil, errors.New("pyth.UpdateFee: no fee source configured")
	}
	return c.fees.UpdateFee(ctx, update)
}

// get does a GET with rate limiting and retries.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("status %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.logger.Warn("pyth: retrying request", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, honouring the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
