package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/pkg/log"
)

// maxResponseBytes bounds how much of a reply is read
const maxResponseBytes = 4 << 20

var _ ledger.Resolver = (*Client)(nil)

// HTTPClient interface for dependency injection
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ledger.Resolver over HTTP
type Client struct {
	HostURI    string
	HTTPClient HTTPClient
	Logger     log.Logger
	// NewRequestID generates the X-Request-Id header value
	NewRequestID func() string
}

// NewClient creates a resolution client. A nil httpClient uses http.DefaultClient
// and a nil logger discards output.
func NewClient(hostURI string, httpClient HTTPClient, logger log.Logger) (*Client, error) {
	u, err := url.Parse(hostURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid resolution service URL %q", hostURI)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	return &Client{
		HostURI:      strings.TrimRight(hostURI, "/"),
		HTTPClient:   httpClient,
		Logger:       logger,
		NewRequestID: uuid.NewString,
	}, nil
}

// ResolveTransaction implements ledger.Resolver. rawTxHex may carry a 0x prefix.
// A reply without a bundle yields an empty, non-nil Resolution.
func (c *Client) ResolveTransaction(ctx context.Context, rawTxHex string, loadConfig ledger.LoadConfig, resolutionConfig ledger.ResolutionConfig) (*ledger.Resolution, error) {
	rawTxHex = strings.TrimPrefix(rawTxHex, "0x")
	if rawTxHex == "" {
		return nil, errors.New("empty transaction")
	}
	if _, err := hex.DecodeString(rawTxHex); err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	reqJSON, err := json.Marshal(ResolveTransactionRequest{
		RawTx:            rawTxHex,
		LoadConfig:       loadConfig,
		ResolutionConfig: resolutionConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolution request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.HostURI+ResolvePath, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	requestID := c.requestID()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)

	lg := c.logger().WithKV("requestId", requestID)
	start := time.Now()
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to resolution service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read resolution response: %w", err)
	}
	lg.Debug("resolution round trip", "status", resp.StatusCode, "duration", time.Since(start), "bytes", len(bodyBytes))

	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes)), RequestID: requestID}
	}

	var out ResolveTransactionResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("failed to decode resolution response: %w", err)
	}
	if out.Error != "" {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: out.Error, RequestID: requestID}
	}
	if out.Resolution == nil {
		return &ledger.Resolution{}, nil
	}
	return out.Resolution, nil
}

func (c *Client) requestID() string {
	if c.NewRequestID != nil {
		return c.NewRequestID()
	}
	return uuid.NewString()
}

func (c *Client) logger() log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.NewNoopLogger()
}
