package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seers-hq/consultd/internal/shared"
)

const (
	LoginPath   = "/api/v1/auth/login"
	RefreshPath = "/api/v1/auth/refresh"
	LogoutPath  = "/api/v1/auth/logout"

	ClientVersionHeader  = "X-Client-Version"
	IdempotencyKeyHeader = "Idempotency-Key"
)

// Call is one logical backend invocation.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}

	// IdempotencyKey lets the broker collapse a duplicated mutating call.
	IdempotencyKey string
}

// Get builds a read call.
func Get(path string, query url.Values) Call {
	return Call{Method: http.MethodGet, Path: path, Query: query}
}

// Post builds a mutating call.
func Post(path string, body interface{}) Call {
	return Call{Method: http.MethodPost, Path: path, Body: body}
}

// Idempotent reports whether the call may be retried with backoff.
func (c Call) Idempotent() bool {
	return c.Method == http.MethodGet || c.Method == http.MethodHead
}

// Credential reports whether the call targets a credential endpoint. An auth failure
// there can never be recovered by refreshing.
func (c Call) Credential() bool {
	return strings.HasPrefix(c.Path, "/api/v1/auth/")
}

// Response is a successful backend reply.
type Response struct {
	StatusCode int
	Body       []byte
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the response's data field into target.
func (r *Response) Decode(target interface{}) error {
	var env dataEnvelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if target == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// Credential is the live pair owned by a Gateway.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	PrincipalID  string    `json:"principal_id"`
	Role         string    `json:"role"`
}

// Endpoint performs raw backend calls. It never refreshes anything by itself.
type Endpoint interface {
	Do(ctx context.Context, call Call, accessToken string) (*Response, error)
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// HTTPEndpoint talks to the broker's JSON API.
type HTTPEndpoint struct {
	baseURL       string
	clientVersion string
	client        *http.Client
}

func NewHTTPEndpoint(baseURL, clientVersion string, timeout time.Duration) *HTTPEndpoint {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEndpoint{
		baseURL:       strings.TrimRight(baseURL, "/"),
		clientVersion: clientVersion,
		client:        &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEndpoint) Do(ctx context.Context, call Call, accessToken string) (*Response, error) {
	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, shared.Validation("", fmt.Sprintf("failed to marshal request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	target := e.baseURL + call.Path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, target, body)
	if err != nil {
		return nil, shared.Validation("", fmt.Sprintf("failed to create request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if e.clientVersion != "" {
		req.Header.Set(ClientVersionHeader, e.clientVersion)
	}
	if call.IdempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, call.IdempotencyKey)
	}
	req.Header.Set(shared.CorrelationHeader, shared.GetCorrelationID(ctx))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, shared.Network(fmt.Errorf("failed to reach broker at %s: %w", e.baseURL, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shared.Network(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, data)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (e *HTTPEndpoint) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	resp, err := e.Do(ctx, Post(RefreshPath, map[string]string{"refresh_token": refreshToken}), "")
	if err != nil {
		return Credential{}, err
	}
	return decodeCredential(resp)
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// parseError rebuilds the typed error the broker sent.
func parseError(statusCode int, body []byte) error {
	var apiErr errorBody
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
		return &shared.Error{
			Code:    shared.CodeFromStatus(statusCode),
			Message: fmt.Sprintf("broker returned status %d", statusCode),
		}
	}

	return &shared.Error{
		Code:    shared.Code(apiErr.Code),
		Reason:  apiErr.Reason,
		Message: apiErr.Error,
	}
}

func decodeCredential(resp *Response) (Credential, error) {
	var cred Credential
	if err := resp.Decode(&cred); err != nil {
		return Credential{}, shared.Server("invalid credential response", err)
	}
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return Credential{}, shared.Auth(shared.ReasonRefreshFailed, "credential response missing tokens")
	}
	return cred, nil
}
