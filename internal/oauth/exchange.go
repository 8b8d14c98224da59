package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Grant is the outcome of a code exchange or refresh: the token material the
// rest of the auth core persists and uses.
type Grant struct {
	AccessToken  string
	RefreshToken string
	IDToken      string

	// ExpiresAt is absolute epoch seconds for AccessToken.
	ExpiresAt int64

	// Scoped reports whether AccessToken is resource-scoped. False only in
	// the degraded mode where the provider issued no refresh token and the
	// unscoped step-one token is all we have.
	Scoped bool
}

// ExchangeError indicates a non-success response to an authorization_code
// grant.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}

// RefreshError indicates a non-success response to a refresh_token grant.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
}

// tokenResponse is the provider's token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Engine drives the token endpoint protocol: code-for-token exchange and
// refresh, including the two-step resource-scoping handshake.
type Engine struct {
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
}

// NewEngine creates a token exchange engine.
func NewEngine(httpClient *http.Client, logger *logrus.Logger) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{httpClient: httpClient, logger: logger, now: time.Now}
}

// ExchangeCode redeems an authorization code for tokens.
//
// The provider only issues refresh tokens on requests made without a resource
// parameter, so the exchange runs in two steps: first the plain
// authorization_code grant to obtain the refresh token, then an immediate
// refresh scoped to the API resource to mint the access token actually used
// for API calls. If step one yields no refresh token at all the unscoped
// token is returned as-is; it works for identity purposes but cannot be
// renewed once it expires.
func (e *Engine) ExchangeCode(ctx context.Context, tokenEndpoint, clientID, code, verifier, redirectURI, resource string) (*Grant, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	}

	e.logger.Debug("auth: exchanging authorization code for tokens")
	step1, err := e.post(ctx, tokenEndpoint, data, false)
	if err != nil {
		return nil, err
	}

	if step1.RefreshToken == "" {
		e.logger.Warn("auth: provider issued no refresh token, returning unscoped access token")
		return &Grant{
			AccessToken: step1.AccessToken,
			IDToken:     step1.IDToken,
			ExpiresAt:   e.expiresAt(step1.ExpiresIn),
		}, nil
	}

	e.logger.WithField("resource", resource).Debug("auth: refreshing for resource-scoped access token")
	scoped, err := e.RefreshTokens(ctx, tokenEndpoint, clientID, step1.RefreshToken, resource)
	if err != nil {
		return nil, err
	}

	// Prefer rotated tokens from the scoping refresh, fall back to step one.
	if scoped.RefreshToken == "" {
		scoped.RefreshToken = step1.RefreshToken
	}
	if scoped.IDToken == "" {
		scoped.IDToken = step1.IDToken
	}
	return scoped, nil
}

// RefreshTokens redeems a refresh token for a new resource-scoped grant.
func (e *Engine) RefreshTokens(ctx context.Context, tokenEndpoint, clientID, refreshToken, resource string) (*Grant, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	if resource != "" {
		data.Set("resource", resource)
	}

	resp, err := e.post(ctx, tokenEndpoint, data, true)
	if err != nil {
		return nil, err
	}

	return &Grant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		ExpiresAt:    e.expiresAt(resp.ExpiresIn),
		Scoped:       resource != "",
	}, nil
}

func (e *Engine) post(ctx context.Context, tokenEndpoint string, data url.Values, refresh bool) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		e.logger.WithFields(logrus.Fields{
			"status":  resp.StatusCode,
			"refresh": refresh,
		}).Error("auth: token endpoint returned an error")
		if refresh {
			return nil, &RefreshError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	return &tokenResp, nil
}

func (e *Engine) expiresAt(expiresIn int64) int64 {
	if expiresIn <= 0 {
		return 0
	}
	return e.now().Unix() + expiresIn
}
