package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"warmanager/collab/internal/session"
)

// LocalAuthorizer binds a caller's credentials to the in-process
// authorizer. Used when the session runs inside the server binary.
type LocalAuthorizer struct {
	Authorizer  *session.Authorizer
	Credentials string
}

func (l LocalAuthorizer) Authorize(ctx context.Context, channelName, connectionNonce string) (session.GrantResponse, error) {
	return l.Authorizer.Authorize(ctx, l.Credentials, channelName, connectionNonce)
}

// HTTPAuthClient requests channel grants from a collab server's auth
// endpoint. Agents use it so the grant secret never leaves the server.
type HTTPAuthClient struct {
	BaseURL     string
	Credentials string
	Client      *http.Client
}

type authRequest struct {
	ChannelName     string `json:"channelName"`
	ConnectionNonce string `json:"connectionNonce"`
}

func (c *HTTPAuthClient) Authorize(ctx context.Context, channelName, connectionNonce string) (session.GrantResponse, error) {
	body, err := json.Marshal(authRequest{ChannelName: channelName, ConnectionNonce: connectionNonce})
	if err != nil {
		return session.GrantResponse{}, fmt.Errorf("encode auth request: %w", err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/api/collab/auth"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return session.GrantResponse{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Credentials)

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return session.GrantResponse{}, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusUnauthorized:
		return session.GrantResponse{}, session.ErrNotAuthorized
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return session.GrantResponse{}, fmt.Errorf("auth endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var grant session.GrantResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return session.GrantResponse{}, fmt.Errorf("decode grant: %w", err)
	}
	return grant, nil
}
