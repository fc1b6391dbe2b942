package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAppID  = "app-1"
	testSecret = "s3cret"
	testToken  = "tok-abc"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(delta)
}

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// fakeController serves a token on form-encoded snake-case auth and dispatches
// API paths to per-test handlers after checking the request signature.
type fakeController struct {
	server     *httptest.Server
	authCalls  atomic.Int32
	apiCalls   atomic.Int32
	expiresIn  int
	authReject bool

	mutex     sync.Mutex
	handlers  map[string]http.HandlerFunc
	getFields map[string]map[string]any
	requests  []recordedRequest
}

func newFakeController(test *testing.T) *fakeController {
	test.Helper()
	fake := &fakeController{expiresIn: 7200, handlers: map[string]http.HandlerFunc{}, getFields: map[string]map[string]any{}}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.serve))
	test.Cleanup(fake.server.Close)
	return fake
}

func (fake *fakeController) handle(path string, handler http.HandlerFunc) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.handlers[path] = handler
}

func (fake *fakeController) recorded() []recordedRequest {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]recordedRequest(nil), fake.requests...)
}

func (fake *fakeController) serve(writer http.ResponseWriter, request *http.Request) {
	rawBody, _ := io.ReadAll(request.Body)
	if request.URL.Path == "/oauth/token" || request.URL.Path == "/v1/oauth/token" {
		fake.authCalls.Add(1)
		fake.serveToken(writer, request, rawBody)
		return
	}
	fake.apiCalls.Add(1)
	fake.mutex.Lock()
	fake.requests = append(fake.requests, recordedRequest{Method: request.Method, Path: request.URL.Path, Query: request.URL.Query(), Body: string(rawBody)})
	handler := fake.handlers[request.URL.Path]
	fake.mutex.Unlock()

	query := request.URL.Query()
	body := rawBody
	if request.Method == http.MethodGet {
		body = fake.signedGetBody(request.URL.Path, query)
	}
	timestamp, err := strconv.ParseInt(query.Get("timestamp"), 10, 64)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"retCode": 400, "msg": "bad timestamp"})
		return
	}
	expected := Sign(query.Get("access_token"), query.Get("appID"), testSecret, timestamp, BodyHash(body))
	if query.Get("signature") != expected || query.Get("access_token") != testToken {
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"retCode": 401, "msg": "bad signature"})
		return
	}
	if handler == nil {
		writeJSON(writer, http.StatusNotFound, map[string]any{"retCode": 404, "msg": "no such endpoint"})
		return
	}
	handler(writer, request)
}

// signedGetBody rebuilds the JSON a GET request was signed over. Tests that send
// non-scalar fields register the full field set with expectGetFields; otherwise the
// scalar query parameters are read back, integers as numbers.
func (fake *fakeController) signedGetBody(path string, query url.Values) []byte {
	fake.mutex.Lock()
	fields, registered := fake.getFields[path]
	fake.mutex.Unlock()
	if !registered {
		fields = map[string]any{}
		for key := range query {
			switch key {
			case "access_token", "appID", "timestamp", "signature":
				continue
			}
			value := query.Get(key)
			if number, err := strconv.ParseInt(value, 10, 64); err == nil {
				fields[key] = number
				continue
			}
			fields[key] = value
		}
	}
	body, _ := CompactBody(fields)
	return body
}

func (fake *fakeController) expectGetFields(path string, fields map[string]any) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.getFields[path] = fields
}

func (fake *fakeController) serveToken(writer http.ResponseWriter, request *http.Request, rawBody []byte) {
	if fake.authReject {
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	if request.Method != http.MethodPost || request.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"error": "unsupported"})
		return
	}
	values, err := url.ParseQuery(string(rawBody))
	if err != nil || values.Get("app_id") != testAppID || values.Get("secret_key") != testSecret {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"error": "missing snake_case fields"})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"retCode": 0, "result": map[string]any{"access_token": testToken, "expires_in": fake.expiresIn}})
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}

func (fake *fakeController) config() Config {
	return Config{BaseURL: fake.server.URL, AppID: testAppID, Secret: testSecret}
}

func mustTokenManager(test *testing.T, config Config, options ...TokenManagerOption) *TokenManager {
	test.Helper()
	manager, err := NewTokenManager(config, options...)
	require.NoError(test, err)
	return manager
}

func mustClient(test *testing.T, fake *fakeController, clock *fakeClock) *Client {
	test.Helper()
	manager := mustTokenManager(test, fake.config(), WithTokenClock(clock.Now))
	client, err := NewClient(fake.config(), manager, WithClock(clock.Now))
	require.NoError(test, err)
	return client
}
