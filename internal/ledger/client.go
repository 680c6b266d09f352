package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/callmeter/callmeter/internal/utils"
)

// DefaultBaseURL is used when neither the caller nor LEDGER_BASE_URL provide one.
const DefaultBaseURL = "http://127.0.0.1:8088"

// maxErrorBody bounds how much of an error response is kept in error messages.
const maxErrorBody = 500

// =============================================================================
// Client
// =============================================================================

// Client is the HTTP client for the quota ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// NewClient creates a new ledger client.
// It reads LEDGER_BASE_URL and LEDGER_API_KEY from environment if not provided.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("LEDGER_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("LEDGER_API_KEY")
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "callmeter/1.0",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// API Methods
// =============================================================================

// Debit asks the ledger to charge one minute. Network failures, timeouts,
// 408/429 and 5xx responses come back as a transient outcome with a nil error.
func (c *Client) Debit(ctx context.Context, req DebitRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	payload, _ := sjson.SetBytes(nil, "session_id", req.SessionID)
	payload, _ = sjson.SetBytes(payload, "user_id", req.UserID)
	payload, _ = sjson.SetBytes(payload, "minute_index", req.MinuteIndex)
	payload, _ = sjson.SetBytes(payload, "amount", req.Amount)
	payload, _ = sjson.SetBytes(payload, "idempotency_key", req.IdempotencyKey)

	status, body, err := c.do(ctx, http.MethodPost, "/debit", payload, req.IdempotencyKey)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}, nil
	}

	switch {
	case status == http.StatusOK:
		return parseDebit(body, req.Amount)
	case status == http.StatusPaymentRequired:
		return Outcome{
			Kind:       OutcomeInsufficientFunds,
			NewBalance: gjson.GetBytes(body, "balance").Int(),
		}, nil
	case isTransientStatus(status):
		return Outcome{Kind: OutcomeTransient, Err: statusError(status, body)}, nil
	default:
		return Outcome{}, classifyStatus(status, body)
	}
}

// Refund returns quota to the user. Every failure is returned as an error.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := req.Validate(); err != nil {
		return RefundResult{}, err
	}

	payload, _ := sjson.SetBytes(nil, "session_id", req.SessionID)
	payload, _ = sjson.SetBytes(payload, "user_id", req.UserID)
	payload, _ = sjson.SetBytes(payload, "amount", req.Amount)
	payload, _ = sjson.SetBytes(payload, "reason", req.Reason)
	payload, _ = sjson.SetBytes(payload, "idempotency_key", req.IdempotencyKey)
	if req.DebitKey != "" {
		payload, _ = sjson.SetBytes(payload, "debit_key", req.DebitKey)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/refund", payload, req.IdempotencyKey)
	if err != nil {
		return RefundResult{}, err
	}
	if status != http.StatusOK {
		return RefundResult{}, classifyStatus(status, body)
	}
	if !gjson.ValidBytes(body) {
		return RefundResult{}, fmt.Errorf("parsing refund response: invalid JSON")
	}

	res := gjson.ParseBytes(body)
	if !res.Get("success").Bool() {
		return RefundResult{}, fmt.Errorf("ledger refused refund: %s", res.Get("error").String())
	}
	return RefundResult{
		Refunded:   res.Get("refunded").Int(),
		NewBalance: res.Get("new_balance").Int(),
		Duplicate:  res.Get("skipped").Bool(),
		Unmatched:  res.Get("unmatched").Bool(),
	}, nil
}

// Balance returns the user's remaining quota.
func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	status, body, err := c.do(ctx, http.MethodGet, "/balance/"+url.PathEscape(userID), nil, "")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, classifyStatus(status, body)
	}
	v := gjson.GetBytes(body, "remaining_quota")
	if !v.Exists() {
		return 0, fmt.Errorf("parsing balance response: missing remaining_quota")
	}
	return v.Int(), nil
}

// parseDebit maps a 200 debit response body onto an Outcome.
func parseDebit(body []byte, requested int64) (Outcome, error) {
	if !gjson.ValidBytes(body) {
		return Outcome{}, fmt.Errorf("parsing debit response: invalid JSON")
	}
	res := gjson.ParseBytes(body)

	switch OutcomeKind(res.Get("outcome").String()) {
	case OutcomeSuccess:
		out := Outcome{
			Kind:       OutcomeSuccess,
			NewBalance: res.Get("new_balance").Int(),
			Duplicate:  res.Get("skipped").Bool(),
		}
		if charged := res.Get("charged"); charged.Exists() {
			out.Charged = charged.Int()
		} else if !out.Duplicate {
			out.Charged = requested
		}
		return out, nil
	case OutcomeInsufficientFunds:
		return Outcome{Kind: OutcomeInsufficientFunds, NewBalance: res.Get("balance").Int()}, nil
	case OutcomeTransient:
		return Outcome{Kind: OutcomeTransient, Err: errors.New(res.Get("error").String())}, nil
	default:
		return Outcome{}, fmt.Errorf("unexpected debit outcome %q", res.Get("outcome").String())
	}
}

// =============================================================================
// HTTP Helpers
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, payload []byte, idempotencyKey string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func classifyStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownAccount, errorMessage(body))
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errorMessage(body))
	default:
		return statusError(status, body)
	}
}

func statusError(status int, body []byte) error {
	return fmt.Errorf("unexpected status %d: %s", status, errorMessage(body))
}

func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return msg.String()
	}
	return utils.Truncate(string(body), maxErrorBody)
}
