package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// A credential is never handed out within this window of its expiry.
	tokenSafetyMargin = 10 * time.Second
	// Subtracted from the server-declared lifetime before caching.
	tokenCacheMargin     = 30 * time.Second
	tokenDefaultLifetime = 900 * time.Second
	tokenMinLifetime     = 60 * time.Second
	tokenMaxLifetime     = 900 * time.Second
	staticTokenLifetime  = 300 * time.Second
	authResponseLimit    = 1 << 20
	oauthTokenPath       = "/oauth/token"
	grantTypeClient      = "client_credentials"
)

type payloadEncoding int

const (
	encodingJSON payloadEncoding = iota
	encodingForm
	encodingQuery
)

type fieldNaming int

const (
	namingCamel fieldNaming = iota
	namingSnake
	namingLower
)

// AuthStrategy is one way of asking the controller for a token.
type AuthStrategy struct {
	Name      string
	Method    string
	Versioned bool
	encoding  payloadEncoding
	naming    fieldNaming
}

// DefaultAuthStrategies lists the attempts made, in order, until one yields a token.
func DefaultAuthStrategies() []AuthStrategy {
	return []AuthStrategy{
		{Name: "post-json-camel", Method: http.MethodPost, encoding: encodingJSON, naming: namingCamel},
		{Name: "post-form-camel", Method: http.MethodPost, encoding: encodingForm, naming: namingCamel},
		{Name: "post-form-snake", Method: http.MethodPost, encoding: encodingForm, naming: namingSnake},
		{Name: "post-json-camel-versioned", Method: http.MethodPost, Versioned: true, encoding: encodingJSON, naming: namingCamel},
		{Name: "post-form-snake-versioned", Method: http.MethodPost, Versioned: true, encoding: encodingForm, naming: namingSnake},
		{Name: "get-query-lower", Method: http.MethodGet, encoding: encodingQuery, naming: namingLower},
		{Name: "get-query-lower-versioned", Method: http.MethodGet, Versioned: true, encoding: encodingQuery, naming: namingLower},
	}
}

func (strategy AuthStrategy) fields(appID, secret string) map[string]string {
	switch strategy.naming {
	case namingSnake:
		return map[string]string{"app_id": appID, "secret_key": secret, "grant_type": grantTypeClient}
	case namingLower:
		return map[string]string{"appid": appID, "secret": secret, "grant_type": grantTypeClient}
	default:
		return map[string]string{"appId": appID, "secretKey": secret, "grantType": grantTypeClient}
	}
}

// TokenManager obtains and caches bearer tokens. One manager serves a whole job run;
// it is safe for concurrent use.
type TokenManager struct {
	config     Config
	httpClient *http.Client
	cache      CredentialCache
	cacheKey   string
	strategies []AuthStrategy
	now        func() time.Time
	logger     *zap.Logger
	observer   RequestObserver

	mutex          sync.Mutex
	current        Credential
	staticRejected bool
}

// TokenManagerOption customizes a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithTokenHTTPClient overrides the HTTP client used for authentication.
func WithTokenHTTPClient(httpClient *http.Client) TokenManagerOption {
	return func(manager *TokenManager) {
		if httpClient != nil {
			manager.httpClient = httpClient
		}
	}
}

// WithCredentialCache sets the persistent credential cache.
func WithCredentialCache(cache CredentialCache) TokenManagerOption {
	return func(manager *TokenManager) {
		if cache != nil {
			manager.cache = cache
		}
	}
}

// WithAuthStrategies replaces the default strategy table.
func WithAuthStrategies(strategies []AuthStrategy) TokenManagerOption {
	return func(manager *TokenManager) {
		if len(strategies) > 0 {
			manager.strategies = strategies
		}
	}
}

// WithTokenClock injects the clock.
func WithTokenClock(now func() time.Time) TokenManagerOption {
	return func(manager *TokenManager) {
		if now != nil {
			manager.now = now
		}
	}
}

// WithTokenLogger sets the logger. Tokens are only ever logged as fingerprints.
func WithTokenLogger(logger *zap.Logger) TokenManagerOption {
	return func(manager *TokenManager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithTokenObserver records authentication attempts.
func WithTokenObserver(observer RequestObserver) TokenManagerOption {
	return func(manager *TokenManager) {
		if observer != nil {
			manager.observer = observer
		}
	}
}

// NewTokenManager validates config and builds a manager.
func NewTokenManager(config Config, options ...TokenManagerOption) (*TokenManager, error) {
	normalized, err := config.Normalized()
	if err != nil {
		return nil, err
	}
	manager := &TokenManager{
		config:     normalized,
		httpClient: &http.Client{},
		cache:      NopCredentialCache{},
		cacheKey:   CacheKey(normalized.BaseURL, normalized.AppID),
		strategies: DefaultAuthStrategies(),
		now:        time.Now,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
	}
	for _, option := range options {
		option(manager)
	}
	return manager, nil
}

// Token returns a credential valid for at least the safety margin, consulting
// memory, then the persistent cache, then the static override, then the controller.
func (manager *TokenManager) Token(ctx context.Context) (Credential, error) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	now := manager.now()
	if manager.current.ValidAt(now, tokenSafetyMargin) {
		return manager.current, nil
	}

	cached, found, err := manager.cache.Load(ctx, manager.cacheKey)
	if err != nil {
		manager.logger.Warn("credential cache load failed", zap.Error(err))
	}
	if found && cached.ValidAt(now, tokenSafetyMargin) {
		manager.current = cached
		manager.logger.Debug("credential loaded from cache", zap.String("token_fingerprint", Fingerprint(cached.Token)), zap.Time("expires_at", cached.ExpiresAt))
		return cached, nil
	}

	if manager.config.StaticToken != "" && !manager.staticRejected {
		manager.current = Credential{Token: manager.config.StaticToken, IssuedAt: now, ExpiresAt: now.Add(staticTokenLifetime)}
		manager.logger.Debug("using static controller token", zap.String("token_fingerprint", Fingerprint(manager.config.StaticToken)))
		return manager.current, nil
	}

	credential, err := manager.authenticate(ctx, now)
	if err != nil {
		manager.current = Credential{}
		return Credential{}, err
	}
	manager.current = credential
	if err := manager.cache.Save(ctx, manager.cacheKey, credential); err != nil {
		manager.logger.Warn("credential cache save failed", zap.Error(err))
	}
	return credential, nil
}

// Invalidate drops a token the controller rejected. The persistent cache entry is
// cleared when it still holds that token, and a rejected static override is not
// offered again, so the next Token call authenticates.
func (manager *TokenManager) Invalidate(ctx context.Context, token string) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.current.Token == token {
		manager.current = Credential{}
	}
	if token != "" && token == manager.config.StaticToken {
		manager.staticRejected = true
	}
	cached, found, err := manager.cache.Load(ctx, manager.cacheKey)
	if err != nil {
		manager.logger.Warn("credential cache load failed", zap.Error(err))
		return
	}
	if !found || cached.Token != token {
		return
	}
	if err := manager.cache.Clear(ctx, manager.cacheKey); err != nil {
		manager.logger.Warn("credential cache clear failed", zap.Error(err))
	}
	manager.logger.Debug("rejected credential dropped", zap.String("token_fingerprint", Fingerprint(token)))
}

// Clear forgets the credential in memory and in the persistent cache.
func (manager *TokenManager) Clear(ctx context.Context) error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.current = Credential{}
	return manager.cache.Clear(ctx, manager.cacheKey)
}

// Cached reports the persisted credential without contacting the controller.
func (manager *TokenManager) Cached(ctx context.Context) (Credential, bool, error) {
	return manager.cache.Load(ctx, manager.cacheKey)
}

func (manager *TokenManager) authenticate(ctx context.Context, now time.Time) (Credential, error) {
	failure := &AuthFailure{}
	for _, strategy := range manager.strategies {
		token, lifetime, err := manager.attempt(ctx, strategy)
		manager.observer.ObserveAuthAttempt(strategy.Name, err == nil)
		if err != nil {
			manager.logger.Debug("auth strategy failed", zap.String("strategy", strategy.Name), zap.Error(err))
			failure.Attempts = append(failure.Attempts, fmt.Errorf("%s: %w", strategy.Name, err))
			continue
		}
		credential := Credential{Token: token, IssuedAt: now, ExpiresAt: now.Add(lifetime)}
		manager.logger.Info("controller token acquired",
			zap.String("strategy", strategy.Name),
			zap.String("token_fingerprint", Fingerprint(token)),
			zap.Duration("lifetime", lifetime),
		)
		return credential, nil
	}
	manager.logger.Warn("controller authentication failed", zap.Int("attempts", len(failure.Attempts)))
	return Credential{}, failure
}

var errNoToken = errors.New("response carried no token")

func (manager *TokenManager) attempt(ctx context.Context, strategy AuthStrategy) (string, time.Duration, error) {
	path := oauthTokenPath
	if strategy.Versioned {
		path = manager.config.Versioned(oauthTokenPath)
	}
	endpoint := manager.config.EndpointURL(path)
	fields := strategy.fields(manager.config.AppID, manager.config.Secret)

	var body io.Reader
	contentType := ""
	switch strategy.encoding {
	case encodingJSON:
		raw, err := json.Marshal(fields)
		if err != nil {
			return "", 0, err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case encodingForm:
		values := url.Values{}
		for key, value := range fields {
			values.Set(key, value)
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	case encodingQuery:
		values := url.Values{}
		for key, value := range fields {
			values.Set(key, value)
		}
		endpoint += "?" + values.Encode()
	}

	attemptContext, cancel := context.WithTimeout(ctx, manager.config.AuthTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(attemptContext, strategy.Method, endpoint, body)
	if err != nil {
		return "", 0, err
	}
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := manager.httpClient.Do(request)
	if err != nil {
		return "", 0, &NetworkFailure{Endpoint: path, Err: err}
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, authResponseLimit))
	if err != nil {
		return "", 0, &NetworkFailure{Endpoint: path, Err: err}
	}
	envelope, err := DecodeEnvelope(path, response.StatusCode, raw)
	if err != nil {
		return "", 0, err
	}
	token, expiresIn := extractToken(envelope)
	if token == "" {
		return "", 0, fmt.Errorf("%w (HTTP %d)", errNoToken, response.StatusCode)
	}
	return token, cacheLifetime(expiresIn), nil
}

func extractToken(envelope Envelope) (string, time.Duration) {
	top := envelopeObject(envelope)
	candidates := []Row{top}
	for _, key := range []string{"data", "result"} {
		if nested, ok := top.Object(key); ok {
			candidates = append(candidates, nested)
		}
	}
	for _, candidate := range candidates {
		token := candidate.String("access_token", "token", "accessToken")
		if token == "" {
			continue
		}
		seconds, _ := candidate.Int("expires_in", "expiresIn", "expire", "expires")
		return token, time.Duration(seconds) * time.Second
	}
	return "", 0
}

// cacheLifetime clamps the declared lifetime to [60s, 900s] and reserves the cache margin.
func cacheLifetime(declared time.Duration) time.Duration {
	if declared <= 0 {
		declared = tokenDefaultLifetime
	}
	if declared < tokenMinLifetime {
		declared = tokenMinLifetime
	}
	if declared > tokenMaxLifetime {
		declared = tokenMaxLifetime
	}
	return declared - tokenCacheMargin
}
