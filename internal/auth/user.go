package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// User is the authenticated identity shown in the application. It comes from
// the first-party API profile endpoint when reachable, otherwise from an
// unverified decode of the ID token's claims. The provider's generic userinfo
// endpoint is never used.
type User struct {
	Subject string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// FetchProfile resolves the user's profile from the first-party API.
func FetchProfile(ctx context.Context, httpClient *http.Client, apiBaseURL, accessToken string, logger *logrus.Logger) (*User, error) {
	profileURL := strings.TrimSuffix(apiBaseURL, "/") + "/api/me"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	logger.WithField("url", profileURL).Debug("auth: fetching profile")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("profile request returned status %d: %s", resp.StatusCode, string(body))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	if user.Subject == "" {
		return nil, fmt.Errorf("profile response carried no user id")
	}
	return &user, nil
}

// DecodeIDTokenUser extracts a user from an ID token's claims without
// verifying the signature. The token arrived over TLS straight from the
// provider's token endpoint, so it is only decoded here, not validated.
// Returns nil when the token is absent or unparseable.
func DecodeIDTokenUser(idToken string) *User {
	if idToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil
	}

	user := &User{Subject: sub}
	user.Name, _ = claims["name"].(string)
	user.Email, _ = claims["email"].(string)
	user.Phone, _ = claims["phone_number"].(string)
	user.Picture, _ = claims["picture"].(string)

	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				user.Roles = append(user.Roles, role)
			}
		}
	}

	return user
}
