// Package gotrue implements auth.Provider against the hosted auth service
// (the /auth/v1 endpoints of the backend project).
package gotrue

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

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/auth"
	"github.com/aanand-mishra/student-registry/internal/types"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ auth.Provider = (*Client)(nil)

func New(baseURL, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

// sessionResponse covers both the token endpoint and the sign-up endpoint.
// Sign-up without an immediate session returns the user object at the top
// level instead of under "user".
type sessionResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         *types.User `json:"user"`
	ID           string      `json:"id"`
	Email        string      `json:"email"`
}

func (r sessionResponse) tokens() auth.Tokens {
	t := auth.Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	switch {
	case r.ExpiresAt > 0:
		t.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		t.ExpiresAt = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	if r.User != nil {
		t.User = *r.User
	} else {
		t.User = types.User{ID: r.ID, Email: r.Email}
	}
	return t
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) SignIn(ctx context.Context, email, password string) (auth.Tokens, error) {
	var out sessionResponse
	if err := c.post(ctx, "SignIn", "/auth/v1/token?grant_type=password", "", credentials{email, password}, &out); err != nil {
		return auth.Tokens{}, err
	}
	return out.tokens(), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (auth.Tokens, error) {
	var out sessionResponse
	if err := c.post(ctx, "SignUp", "/auth/v1/signup", "", credentials{email, password}, &out); err != nil {
		return auth.Tokens{}, err
	}
	return out.tokens(), nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.Tokens, error) {
	var out sessionResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.post(ctx, "Refresh", "/auth/v1/token?grant_type=refresh_token", "", body, &out); err != nil {
		return auth.Tokens{}, err
	}
	return out.tokens(), nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.post(ctx, "SignOut", "/auth/v1/logout", accessToken, nil, nil)
}

func (c *Client) post(ctx context.Context, op, path, bearer string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.Unknown, op, "", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return apperr.New(apperr.Unknown, op, "", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.New(apperr.Network, op, "the auth service did not respond in time", err)
		}
		return apperr.New(apperr.Network, op, "could not reach the auth service", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.New(apperr.Network, op, "could not reach the auth service", err)
	}
	if resp.StatusCode >= 300 {
		return responseError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.New(apperr.Unknown, op, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorResponse covers the older OAuth-style body and the newer one.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorResponse) text() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func responseError(op string, status int, raw []byte) error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	msg := body.text()
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))

	switch {
	case msg == "Invalid login credentials" || body.ErrorCode == "invalid_credentials":
		return apperr.New(apperr.Permission, op, "Incorrect email or password", cause)
	case body.Error == "invalid_grant" || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.Permission, op, fallback(msg, "session expired, sign in again"), cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		return apperr.New(apperr.Validation, op, fallback(msg, http.StatusText(status)), cause)
	case status == http.StatusTooManyRequests || status >= 502 && status <= 504:
		return apperr.New(apperr.Network, op, fallback(msg, http.StatusText(status)), cause)
	default:
		return apperr.New(apperr.Unknown, op, msg, cause)
	}
}

func fallback(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
