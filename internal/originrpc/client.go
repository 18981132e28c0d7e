// Package originrpc is a REST client for the origin chain's status and
// block-lookup endpoints (SPEC_FULL.md §6), wrapped in a circuit breaker so
// a flaky endpoint fails fast instead of hanging the follower loop.
package originrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// Client polls an origin chain's /status and /block REST endpoints.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// New creates a client targeting endpoint (e.g. "https://rpc.origin.example").
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, 10*time.Second)
}

// NewWithTimeout creates a client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "originrpc",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
	}
}

// Block is the subset of /block fields the follower needs.
type Block struct {
	Hash       string
	ParentHash string
	Height     uint64
	Txs        [][]byte
}

type statusEnvelope struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

type blockEnvelope struct {
	Result struct {
		BlockID struct {
			Hash string `json:"hash"`
		} `json:"block_id"`
		Block struct {
			Header struct {
				Height      string `json:"height"`
				LastBlockID struct {
					Hash string `json:"hash"`
				} `json:"last_block_id"`
			} `json:"header"`
			Data struct {
				Txs []string `json:"txs"`
			} `json:"data"`
		} `json:"block"`
	} `json:"result"`
}

// LatestHeight polls /status and returns the reported chain tip.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	raw, err := c.get(ctx, c.endpoint+"/status")
	if err != nil {
		return 0, err
	}
	var env statusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("decode /status response: %w", err)
	}
	h, err := strconv.ParseUint(env.Result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse latest_block_height %q: %w", env.Result.SyncInfo.LatestBlockHeight, err)
	}
	return h, nil
}

// BlockAt fetches the block at the given height via /block?height=H.
func (c *Client) BlockAt(ctx context.Context, height uint64) (Block, error) {
	u := fmt.Sprintf("%s/block?height=%s", c.endpoint, url.QueryEscape(strconv.FormatUint(height, 10)))
	raw, err := c.get(ctx, u)
	if err != nil {
		return Block{}, err
	}
	var env blockEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Block{}, fmt.Errorf("decode /block response: %w", err)
	}
	gotHeight, err := strconv.ParseUint(env.Result.Block.Header.Height, 10, 64)
	if err != nil {
		return Block{}, fmt.Errorf("parse block height %q: %w", env.Result.Block.Header.Height, err)
	}
	txs := make([][]byte, len(env.Result.Block.Data.Txs))
	for i, t := range env.Result.Block.Data.Txs {
		txs[i] = []byte(t)
	}
	return Block{
		Hash:       env.Result.BlockID.Hash,
		ParentHash: env.Result.Block.Header.LastBlockID.Hash,
		Height:     gotHeight,
		Txs:        txs,
	}, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
		}
		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
