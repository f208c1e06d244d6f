package api

import (
	"context"
	"fmt"
	"time"
)

// Session is the result of a successful login.
type Session struct {
	Token     string
	TokenType string
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges credentials for a bearer token. Storing the token is
// the caller's concern.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	var resp loginResponse
	if err := c.post(ctx, "/auth/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}

	token := resp.AccessToken
	if token == "" {
		token = resp.Token
	}
	if token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &Session{Token: token, TokenType: tokenType}, nil
}

// Registration is the payload for creating a user account.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the account record returned by registration.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, reg Registration) (*User, error) {
	var u User
	if err := c.post(ctx, "/auth/register", reg, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Health is the service liveness report.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}
