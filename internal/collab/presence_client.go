package collab

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

	"warmanager/collab/internal/presence"
)

// HTTPPresenceClient announces an agent on a blueprint roster through the
// collab server's presence endpoints. It satisfies PresenceChannel, so an
// agent session shows up in Members the same way a server-hosted one does.
// The member identity is taken from the bearer token server side; the
// Member argument to Join is ignored here.
type HTTPPresenceClient struct {
	BaseURL     string
	Credentials string
	Client      *http.Client
}

func (c *HTTPPresenceClient) Join(ctx context.Context, documentID, connectionID string, _ presence.Member) error {
	body, err := json.Marshal(map[string]string{"connectionId": connectionID})
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.presenceURL(documentID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return presenceStatusError("join", resp)
	}
	return nil
}

func (c *HTTPPresenceClient) Heartbeat(ctx context.Context, documentID, connectionID string) error {
	resp, err := c.do(ctx, http.MethodPut, c.connectionURL(documentID, connectionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return presence.ErrNotJoined
	default:
		return presenceStatusError("heartbeat", resp)
	}
}

func (c *HTTPPresenceClient) Leave(ctx context.Context, documentID, connectionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.connectionURL(documentID, connectionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return presenceStatusError("leave", resp)
	}
	return nil
}

func (c *HTTPPresenceClient) presenceURL(documentID string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/blueprints/" + url.PathEscape(documentID) + "/presence"
}

func (c *HTTPPresenceClient) connectionURL(documentID, connectionID string) string {
	return c.presenceURL(documentID) + "/" + url.PathEscape(connectionID)
}

func (c *HTTPPresenceClient) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build presence request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Credentials)

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presence request: %w", err)
	}
	return resp, nil
}

func presenceStatusError(verb string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("presence %s returned %d: %s", verb, resp.StatusCode, snippet)
}
