// Package qq implements the QQ official Bot channel adapter: an ed25519
// signature-verified HTTP webhook (group/private message push) and a
// minimal REST client for replies. No Go SDK for QQ's bot platform exists,
// unlike Feishu which at least gets a hand-rolled client — this is built
// directly from QQ's documented webhook/bot-API protocol, the same way the
// websocket hub in httpapi is built directly against gorilla/websocket's
// own API.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const apiBase = "https://api.sgroup.qq.com"

// client is a minimal QQ Bot API client: access-token auto-refresh plus the
// two message-send calls this adapter needs (group, and C2C/private).
type client struct {
	appID        string
	clientSecret string
	httpClient   *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newClient(appID, clientSecret string) *client {
	return &client{
		appID:        appID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appId":        c.appID,
		"clientSecret": c.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://bots.qq.com/app/getAppAccessToken", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qq: access token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("qq: access token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("qq: empty access token in response")
	}

	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(90 * time.Second) // refresh well ahead of the usual ~2min expiry
	return c.token, nil
}

func (c *client) post(ctx context.Context, path string, body interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qq: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qq: %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// sendGroupMessage replies in a QQ group chat.
func (c *client) sendGroupMessage(ctx context.Context, groupOpenID, text string) error {
	return c.post(ctx, "/v2/groups/"+groupOpenID+"/messages", map[string]interface{}{
		"content":  text,
		"msg_type": 0,
	})
}

// sendPrivateMessage replies in a QQ C2C (private) chat.
func (c *client) sendPrivateMessage(ctx context.Context, userOpenID, text string) error {
	return c.post(ctx, "/v2/users/"+userOpenID+"/messages", map[string]interface{}{
		"content":  text,
		"msg_type": 0,
	})
}
