package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// MaxBatchSize is the largest batch the gateway accepts in one request.
const MaxBatchSize = 100

// Client posts message batches to an HTTP push gateway
type Client struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

type Config struct {
	URL         string        // Gateway send endpoint
	AccessToken string        // Optional bearer token
	Timeout     time.Duration // Per-request timeout, default 10s
}

// NewClient creates a new gateway client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("push gateway url is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		url:   cfg.URL,
		token: cfg.AccessToken,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// Send submits the messages as one JSON array POST. Batches larger than
// MaxBatchSize are split into chunks sent in order, and the tickets are
// concatenated. Sending stops at the first failed chunk; the returned receipt
// then reports how many leading messages were already accepted.
func (c *Client) Send(ctx context.Context, messages []Message) (*Receipt, error) {
	receipt := &Receipt{}
	if len(messages) == 0 {
		return receipt, nil
	}

	for start := 0; start < len(messages); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(messages))

		part, err := c.sendBatch(ctx, messages[start:end])
		if err != nil {
			if receipt.Accepted == 0 {
				return nil, err
			}
			c.logger.Warn("push batch partially accepted",
				zap.Int("accepted", receipt.Accepted),
				zap.Int("total", len(messages)),
				zap.Error(err),
			)
			return receipt, err
		}
		receipt.Tickets = append(receipt.Tickets, part.Tickets...)
		receipt.Accepted = end
	}

	return receipt, nil
}

func (c *Client) sendBatch(ctx context.Context, messages []Message) (*Receipt, error) {
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "EventHub/1.0.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := respBody
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return nil, fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	// The batch was accepted; a body we cannot read does not undo that.
	var receipt Receipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		c.logger.Warn("unparseable push gateway response",
			zap.Error(err),
			zap.Int("status_code", resp.StatusCode),
			zap.Int("batch_size", len(messages)),
		)
		return &Receipt{}, nil
	}

	c.logger.Debug("push batch accepted",
		zap.Int("status_code", resp.StatusCode),
		zap.Int("batch_size", len(messages)),
		zap.Int("tickets", len(receipt.Tickets)),
		zap.Int("rejected", receipt.Rejected()),
	)

	return &receipt, nil
}
