package chatwidget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
)

// Backend is the question-answering and history service behind the widget.
type Backend interface {
	AskBot(ctx context.Context, req AskRequest) (*AskResponse, error)
	GetConversationHistory(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

// APIClient communicates with the chat backend REST API.
// It works independently of the push channel.
type APIClient struct {
	apiServer  string
	token      string
	httpClient *http.Client

	mu sync.RWMutex
}

// NewAPIClient creates a chat backend client from widget settings.
// Required keys: api_server. Optional: token (widget JWT).
func NewAPIClient(settings map[string]string) (*APIClient, error) {
	apiServer := strings.TrimRight(settings["api_server"], "/")
	if apiServer == "" {
		return nil, fmt.Errorf("api_server not configured")
	}
	if _, err := url.Parse(apiServer); err != nil {
		return nil, fmt.Errorf("api_server: %w", err)
	}
	return &APIClient{
		apiServer:  apiServer,
		token:      settings["token"],
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// APIServer returns the base API server URL.
func (c *APIClient) APIServer() string { return c.apiServer }

// SetToken replaces the bearer token used for later requests.
func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

// authedRequest creates an HTTP request carrying the widget token, if any.
func (c *APIClient) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiServer+path, body)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// doJSON sends an authed request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.authedRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Ask
// --------------------------------------------------------------------------

// AskBot sends the user's question and returns the bot's answer.
func (c *APIClient) AskBot(ctx context.Context, req AskRequest) (*AskResponse, error) {
	if req.BotID == "" {
		return nil, fmt.Errorf("ask: bot id required")
	}
	var resp AskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/bots/"+url.PathEscape(req.BotID)+"/ask", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --------------------------------------------------------------------------
// History
// --------------------------------------------------------------------------

// GetConversationHistory fetches the messages of a conversation, oldest first.
func (c *APIClient) GetConversationHistory(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var resp HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Messages {
		if resp.Messages[i].Status == "" {
			resp.Messages[i].Status = conversation.StatusDelivered
		}
	}
	return resp.Messages, nil
}

// --------------------------------------------------------------------------
// Welcome
// --------------------------------------------------------------------------

// WelcomeMessage fetches the greeting a bot shows at a given location.
// An empty string means the bot has no greeting for it.
func (c *APIClient) WelcomeMessage(ctx context.Context, botID, location string) (string, error) {
	params := url.Values{}
	params.Set("location", location)
	path := "/api/v1/bots/" + url.PathEscape(botID) + "/welcome?" + params.Encode()

	var resp WelcomeResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// ResolveAPIServer returns apiServer if set, otherwise derives the REST base
// from the push endpoint: ws→http, wss→https, port swapped to 8888.
func ResolveAPIServer(endpoint, apiServer string) string {
	if apiServer != "" {
		return strings.TrimRight(apiServer, "/")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "http://localhost:8888"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Hostname() + ":8888"
}
