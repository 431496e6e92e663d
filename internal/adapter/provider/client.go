// Package provider wraps the upstream content provider's REST API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studynest/batchline/internal/domain"
)

// ErrUnauthorized marks rejections attributable to the credential itself
// (expired or revoked upstream tokens). Callers prune on this error and
// propagate everything else unchanged.
var ErrUnauthorized = errors.New("provider: unauthorized")

// Batch describes a purchased batch as reported by the provider.
type Batch struct {
	ID        string `json:"batchId"`
	Name      string `json:"name"`
	Thumbnail string `json:"previewImage"`
}

// Client issues OTP, token-refresh and resource-fetch calls upstream.
// Implementations are stateless; retries are the caller's concern.
type Client interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code, correlationID string) (*domain.Credential, error)
	Refresh(ctx context.Context, refreshToken, correlationID string) (*domain.Credential, error)
	PurchasedBatches(ctx context.Context, accessToken string) ([]Batch, error)
	FetchResource(ctx context.Context, accessToken, correlationID, locator string) (json.RawMessage, error)
}

// HTTPClient is the default HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default provider client. A nil http.Client
// gets a bounded-timeout default.
func NewHTTPClient(baseURL, clientID string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		httpClient: client,
	}
}

// RequestOTP asks the provider to send a one-time password to the phone.
func (c *HTTPClient) RequestOTP(ctx context.Context, phone string) error {
	payload := map[string]string{"username": phone}
	_, err := c.do(ctx, http.MethodPost, "/v1/users/get-otp", "", "", payload)
	return err
}

// VerifyOTP exchanges a delivered OTP for the user's credential pair.
func (c *HTTPClient) VerifyOTP(ctx context.Context, phone, code, correlationID string) (*domain.Credential, error) {
	payload := map[string]string{
		"username":  phone,
		"otp":       code,
		"client_id": c.clientID,
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/oauth/token", "", correlationID, payload)
	if err != nil {
		return nil, err
	}
	return decodeCredential(body, correlationID)
}

// Refresh exchanges a refresh token for a new credential pair. Most
// provider refresh flows invalidate the presented token on use, so a
// given token must be refreshed at most once.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken, correlationID string) (*domain.Credential, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.clientID,
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/oauth/refresh", "", correlationID, payload)
	if err != nil {
		return nil, err
	}
	return decodeCredential(body, correlationID)
}

// PurchasedBatches lists the batches the credential's owner is entitled to.
func (c *HTTPClient) PurchasedBatches(ctx context.Context, accessToken string) ([]Batch, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/batches/purchased", accessToken, "", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []Batch `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode purchased batches: %w", err)
	}
	return resp.Data, nil
}

// FetchResource retrieves a content item authorized by the bearer token.
func (c *HTTPClient) FetchResource(ctx context.Context, accessToken, correlationID, locator string) (json.RawMessage, error) {
	path := "/v1/contents/" + strings.TrimPrefix(locator, "/")
	body, err := c.do(ctx, http.MethodGet, path, accessToken, correlationID, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, accessToken, correlationID string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: status=%d: %w", path, resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("provider %s failed: status=%d", path, resp.StatusCode)
	}
	return body, nil
}

func decodeCredential(body []byte, correlationID string) (*domain.Credential, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if raw.AccessToken == "" || raw.RefreshToken == "" {
		return nil, fmt.Errorf("credential response missing tokens")
	}
	return &domain.Credential{
		AccessToken:   raw.AccessToken,
		RefreshToken:  raw.RefreshToken,
		CorrelationID: correlationID,
	}, nil
}
