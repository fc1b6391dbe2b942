// Package controller is a signed client for the cloud network controller that
// issues vouchers and reports connected devices.
package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const responseLimit = 8 << 20

// RequestObserver receives one callback per controller request and auth attempt.
type RequestObserver interface {
	ObserveRequest(endpoint string, statusCode int, elapsed time.Duration, err error)
	ObserveAuthAttempt(strategy string, succeeded bool)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration, error) {}

func (nopObserver) ObserveAuthAttempt(string, bool) {}

// Client performs signed calls against the controller. It does not retry.
type Client struct {
	config     Config
	tokens     *TokenManager
	httpClient *http.Client
	now        func() time.Time
	logger     *zap.Logger
	observer   RequestObserver
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithClock injects the clock used for request timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) {
		if now != nil {
			client.now = now
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithObserver records request outcomes.
func WithObserver(observer RequestObserver) ClientOption {
	return func(client *Client) {
		if observer != nil {
			client.observer = observer
		}
	}
}

// NewClient builds a client that borrows credentials from tokens.
func NewClient(config Config, tokens *TokenManager, options ...ClientOption) (*Client, error) {
	normalized, err := config.Normalized()
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token manager is required", ErrInvalidConfig)
	}
	client := &Client{
		config:     normalized,
		tokens:     tokens,
		httpClient: &http.Client{},
		now:        time.Now,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

// Config returns the normalized configuration.
func (client *Client) Config() Config {
	return client.config
}

// Call sends one signed request. The signature always covers the compact JSON of
// fields. GET folds scalar fields into the query string and sends no body; other
// methods send the compact JSON as the body. A decoded envelope is returned for any
// HTTP status; callers judge success with IsSuccessful.
func (client *Client) Call(ctx context.Context, endpoint string, fields map[string]any, method string) (Envelope, error) {
	credential, err := client.tokens.Token(ctx)
	if err != nil {
		return Envelope{}, err
	}
	body, err := CompactBody(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	timestamp := client.now().UnixMilli()
	query := url.Values{}
	var requestBody io.Reader
	if method == http.MethodGet {
		foldScalars(query, fields)
	} else {
		requestBody = bytes.NewReader(body)
	}
	query.Set("access_token", credential.Token)
	query.Set("appID", client.config.AppID)
	query.Set("timestamp", strconv.FormatInt(timestamp, 10))
	query.Set("signature", Sign(credential.Token, client.config.AppID, client.config.Secret, timestamp, BodyHash(body)))

	callContext, cancel := context.WithTimeout(ctx, client.config.Timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(callContext, method, client.config.EndpointURL(endpoint)+"?"+query.Encode(), requestBody)
	if err != nil {
		return Envelope{}, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	started := client.now()
	envelope, err := client.do(request, endpoint)
	statusCode := envelope.StatusCode
	client.observer.ObserveRequest(endpoint, statusCode, client.now().Sub(started), err)
	if err != nil {
		client.logger.Debug("controller request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return Envelope{}, err
	}
	if statusCode == http.StatusUnauthorized {
		client.tokens.Invalidate(ctx, credential.Token)
	}
	client.logger.Debug("controller request",
		zap.String("endpoint", endpoint),
		zap.String("method", method),
		zap.Int("status", statusCode),
		zap.Bool("successful", IsSuccessful(envelope)),
	)
	return envelope, nil
}

func (client *Client) do(request *http.Request, endpoint string) (Envelope, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return Envelope{}, &NetworkFailure{Endpoint: endpoint, Err: err}
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, responseLimit))
	if err != nil {
		return Envelope{StatusCode: response.StatusCode}, &NetworkFailure{Endpoint: endpoint, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Envelope{StatusCode: response.StatusCode}, &NetworkFailure{Endpoint: endpoint, Err: ErrEmptyResponse}
	}
	envelope, err := DecodeEnvelope(endpoint, response.StatusCode, raw)
	if err != nil {
		return Envelope{StatusCode: response.StatusCode}, err
	}
	return envelope, nil
}

func foldScalars(query url.Values, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if text, ok := scalarText(fields[key]); ok {
			query.Set(key, text)
		}
	}
}
