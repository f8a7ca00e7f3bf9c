package network

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

	"chatsync/models"
)

// DefaultRequestTimeout bounds each REST request.
const DefaultRequestTimeout = 10 * time.Second

// StatusError reports a non-2xx REST response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Title        string                  `json:"title,omitempty"`
	Type         models.ConversationType `json:"type"`
	Participants []string                `json:"participants"`
	Message      string                  `json:"message,omitempty"`
}

// CreateConversationResponse is the created conversation, optionally with the first
// message the server stored for it.
type CreateConversationResponse struct {
	models.Conversation
	Message *models.Message `json:"message,omitempty"`
}

// ConversationUpdate is the body of PUT /conversations/:id. Nil fields are unchanged.
type ConversationUpdate struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// SessionResponse is returned by POST /sessions.
type SessionResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// APIClient calls the conversation REST endpoints.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewAPIClient builds a client for baseURL, e.g. "http://127.0.0.1:8080".
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &APIClient{
		BaseURL: normalizeBaseURL(baseURL),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func normalizeBaseURL(base string) string {
	addr := strings.TrimSpace(base)
	if addr != "" && !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// ListConversations fetches the current user's conversation snapshot.
func (c *APIClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches a conversation's message history.
func (c *APIClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation creates a conversation with its first message.
func (c *APIClient) CreateConversation(ctx context.Context, request CreateConversationRequest) (CreateConversationResponse, error) {
	var out CreateConversationResponse
	if err := c.do(ctx, http.MethodPost, "/conversations", request, &out); err != nil {
		return CreateConversationResponse{}, err
	}
	return out, nil
}

// UpdateConversation applies a partial update such as the archived flag.
func (c *APIClient) UpdateConversation(ctx context.Context, conversationID string, update ConversationUpdate) (models.Conversation, error) {
	var out models.Conversation
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodPut, path, update, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

// AddParticipant adds userID to a conversation.
func (c *APIClient) AddParticipant(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	var out models.Conversation
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	body := map[string]string{"userId": userID}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

// CreateSession asks the development backend for a token for userID.
func (c *APIClient) CreateSession(ctx context.Context, userID string) (SessionResponse, error) {
	var out SessionResponse
	body := map[string]string{"userId": userID}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return SessionResponse{}, err
	}
	return out, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%s %s: base URL is required", method, path)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: marshal body: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
