package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const codeUnauthorized = 401

// restResponse is the envelope every REST endpoint returns. Code 0 means
// success; anything else is a rejection described by Message.
type restResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// RESTClientConfig configures a signed request client.
type RESTClientConfig struct {
	BaseURL     string
	AccountID   string
	Signer      Signer
	Timeout     time.Duration
	MaxRetries  int           // extra attempts after the first, idempotent calls only
	RetryDelay  time.Duration // linear: delay * attempt
	RefreshSkew time.Duration // refresh the bearer token this early before expiry
	HTTPClient  *http.Client  // optional, for tests
	Logger      *zap.Logger
}

// RESTClient signs requests against the exchange REST surface and caches a
// refreshable bearer credential. Calls are stateless apart from that cache.
type RESTClient struct {
	baseURL    string
	accountID  string
	signer     Signer
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	creds      *credentialCache
	logger     *zap.Logger
	now        func() time.Time
}

func NewRESTClient(cfg RESTClientConfig) *RESTClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &RESTClient{
		baseURL:    cfg.BaseURL,
		accountID:  cfg.AccountID,
		signer:     cfg.Signer,
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		now:        time.Now,
	}
	c.creds = newCredentialCache(cfg.RefreshSkew, c.refreshCredential)
	return c
}

// CallOptions selects the authentication and retry behavior of one call.
type CallOptions struct {
	Authenticated bool
	// Idempotent calls (reads, cancels) are retried on network failures
	// and 5xx-class rejections. Non-idempotent calls (order placement)
	// are retried only for network failures that happen before any
	// response was received; once a response arrives, even an error
	// response, the call is never retried, because the side effect may
	// already have happened at the exchange.
	Idempotent bool
}

// Call executes one signed request and returns the raw result payload.
// Errors are NetworkError, ProtocolError, or AuthError.
func (c *RESTClient) Call(ctx context.Context, method, path string, params any, opts CallOptions) (json.RawMessage, error) {
	var body []byte
	if params != nil && method != http.MethodGet {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	if params != nil && method == http.MethodGet {
		query, ok := params.(url.Values)
		if !ok {
			return nil, fmt.Errorf("GET params must be url.Values, got %T", params)
		}
		path = path + "?" + query.Encode()
	}

	authRetried := false
	for attempt := 1; ; attempt++ {
		result, err := c.doOnce(ctx, method, path, body, opts.Authenticated)
		if err == nil {
			return result, nil
		}

		// Token rejected mid-flight: refresh once and redo. A second
		// rejection means the credential itself is bad.
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code == codeUnauthorized && opts.Authenticated {
			if authRetried {
				return nil, &AuthError{Err: pe}
			}
			authRetried = true
			c.creds.Invalidate()
			continue
		}

		if !c.shouldRetry(err, opts, attempt) {
			return nil, err
		}

		c.logger.Warn("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))

		delay := c.retryDelay * time.Duration(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &NetworkError{Op: method + " " + path, Err: ctx.Err()}
		}
	}
}

func (c *RESTClient) shouldRetry(err error, opts CallOptions, attempt int) bool {
	if attempt > c.maxRetries {
		return false
	}

	var ne *NetworkError
	if errors.As(err, &ne) {
		if opts.Idempotent {
			return true
		}
		// A timeout may have fired after the exchange received the
		// request; the side effect is ambiguous, so surface it for
		// snapshot reconciliation instead of retrying.
		return !isTimeout(ne.Err)
	}

	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Code >= 500 {
		// 5xx-equivalent server error: the response was received, so
		// only idempotent calls may retry.
		return opts.Idempotent
	}

	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// doOnce performs exactly one signed HTTP round trip.
func (c *RESTClient) doOnce(ctx context.Context, method, path string, body []byte, authenticated bool) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// The signature covers the exact bytes on the wire and a single-use
	// timestamp, so it is recomputed here on every attempt.
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := c.signer.Sign(canonicalRequest(timestamp, method, path, string(body)))
	req.Header.Set("X-API-TIMESTAMP", timestamp)
	req.Header.Set("X-API-SIGNATURE", signature)

	if authenticated {
		token, err := c.creds.Token(ctx)
		if err != nil {
			if IsAuthError(err) || IsNetworkError(err) {
				return nil, err
			}
			return nil, &AuthError{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &ProtocolError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var envelope restResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ProtocolError{Code: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}

	if envelope.Code != 0 {
		return nil, &ProtocolError{Code: envelope.Code, Message: envelope.Message}
	}

	return envelope.Result, nil
}

// credentialWire is the result payload of the token bootstrap endpoint.
type credentialWire struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // milliseconds since epoch
}

// refreshCredential is the signed, unauthenticated bootstrap call. It
// proves identity via a signature over accountId + timestamp rather than
// via the token being replaced.
func (c *RESTClient) refreshCredential(ctx context.Context) (Credential, error) {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	params := authParams{
		AccountID: c.accountID,
		Timestamp: timestamp,
		Signature: c.signer.Sign(canonicalAuth(c.accountID, timestamp)),
	}
	body, err := json.Marshal(params)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal auth params: %w", err)
	}

	result, err := c.doOnce(ctx, http.MethodPost, "/v1/auth/token", body, false)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return Credential{}, &AuthError{Err: pe}
		}
		return Credential{}, err
	}

	var wire credentialWire
	if err := json.Unmarshal(result, &wire); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}

	c.logger.Debug("credential refreshed",
		zap.Time("expires_at", time.UnixMilli(wire.ExpiresAt)))

	return Credential{
		Token:     wire.Token,
		ExpiresAt: time.UnixMilli(wire.ExpiresAt),
	}, nil
}
