// Package dirclient is a thin client for the directory service's REST API
// (spec.md §6). The directory is treated as an opaque collaborator: this
// package only knows its wire contract, never its implementation.
package dirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one directory service base URL.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a client bound to baseURL (e.g. "https://directory.example.com").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the currently held bearer token.
func (c *Client) Token() string { return c.token }

// ErrUnauthorized is returned for a 401 response; callers must re-login.
var ErrUnauthorized = fmt.Errorf("dirclient: unauthorized")

// ErrRateLimited is returned for a 429 response; callers should back off.
var ErrRateLimited = fmt.Errorf("dirclient: rate limited")

// LoginResponse is the payload of POST /api/auth/login.
type LoginResponse struct {
	Token string `json:"token"`
	User  string `json:"user"`
}

// Login exchanges username/password for a bearer token and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, false, &resp); err != nil {
		return LoginResponse{}, err
	}
	c.token = resp.Token
	return resp, nil
}

// Me validates the held token by calling GET /api/auth/me.
func (c *Client) Me(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/auth/me", nil, true, nil)
}

// AgentInfo is the capability descriptor registered/heartbeated by an agent
// (spec.md §3 "Peer identity").
type AgentInfo struct {
	AgentID   string `json:"agent_id"`
	OS        string `json:"os"`
	Hostname  string `json:"hostname"`
	Width     int    `json:"screen_width"`
	Height    int    `json:"screen_height"`
	Version   string `json:"version"`
	Hardware  string `json:"hardware,omitempty"`
	PrivateIP string `json:"private_ip,omitempty"`
	PublicIP  string `json:"public_ip,omitempty"` // STUN-discovered external address (spec.md §3 "Endpoint")
	WSPort    int    `json:"ws_port,omitempty"`
}

// Register calls POST /api/agents/register.
func (c *Client) Register(ctx context.Context, info AgentInfo) error {
	return c.do(ctx, http.MethodPost, "/api/agents/register", info, true, nil)
}

// Heartbeat calls POST /api/agents/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/heartbeat", map[string]string{"agent_id": agentID}, true, nil)
}

// Offline calls POST /api/agents/offline.
func (c *Client) Offline(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/offline", map[string]string{"agent_id": agentID}, true, nil)
}

// ListAgents calls GET /api/agents, returning only agents the caller owns
// (enforced server-side).
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, true, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// UpdateAgentField calls PUT /api/agents/{id}/{field} where field is
// "group" or "name".
func (c *Client) UpdateAgentField(ctx context.Context, agentID, field, value string) error {
	path := fmt.Sprintf("/api/agents/%s/%s", agentID, field)
	return c.do(ctx, http.MethodPut, path, map[string]string{"value": value}, true, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dirclient: %s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
