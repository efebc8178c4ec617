// Package api is the HTTP client for the whisp backend REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to the whisp backend over HTTP with bearer auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL and auth token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// SendRequest is the outbound message payload. Exactly one of Content,
// Location, Contact, Poll, or File is meaningful depending on Type.
type SendRequest struct {
	ChatID   string          `json:"chatId"`
	ClientID string          `json:"clientId"`
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Location json.RawMessage `json:"location,omitempty"`
	Contact  json.RawMessage `json:"contact,omitempty"`
	Poll     json.RawMessage `json:"poll,omitempty"`
	File     *FileUpload     `json:"-"`
}

// FileUpload describes a local file to attach to a media message.
type FileUpload struct {
	Path     string
	Name     string
	MimeType string
}

// Chats returns the server's chat list for the authenticated user.
func (c *Client) Chats(ctx context.Context) ([]ChatMetadata, error) {
	var out struct {
		Chats []ChatMetadata `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/chat/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// OpenChat finds or creates the direct chat with the given user.
func (c *Client) OpenChat(ctx context.Context, userID string) (*ChatMetadata, error) {
	var out struct {
		Chat *ChatMetadata `json:"chat"`
	}
	body := map[string]string{"userId": userID}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/chat", body, &out); err != nil {
		return nil, err
	}
	if out.Chat == nil {
		return nil, fmt.Errorf("api: open chat: empty response")
	}
	return out.Chat, nil
}

// History returns the server-side message history for a chat.
func (c *Client) History(ctx context.Context, chatID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/message/messages/"+chatID, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostMessage creates a message on the server and returns the stored copy.
// Media messages go up as multipart with the file attached; everything else
// is plain JSON. The client id rides in an Idempotency-Key header so a
// retried request cannot create a second message.
func (c *Client) PostMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	var out struct {
		Message *Message `json:"message"`
	}
	var err error
	if req.File != nil {
		err = c.doMultipart(ctx, "/message/message", req, &out)
	} else {
		err = c.doJSON(ctx, http.MethodPost, "/message/message", req, &out, withIdempotencyKey(req.ClientID))
	}
	if err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, fmt.Errorf("api: post message: empty response")
	}
	return out.Message, nil
}

// MarkChatRead tells the server every message in the chat has been read.
func (c *Client) MarkChatRead(ctx context.Context, chatID string) error {
	body := map[string]string{"chatId": chatID}
	return c.doJSON(ctx, http.MethodPut, "/message/message/markAsRead", body, nil)
}

type requestOption func(*http.Request)

func withIdempotencyKey(key string) requestOption {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set("Idempotency-Key", key)
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, opts ...requestOption) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("api: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	return c.do(req, out)
}

func (c *Client) doMultipart(ctx context.Context, path string, sr *SendRequest, out any) error {
	f, err := os.Open(sr.File.Path)
	if err != nil {
		return fmt.Errorf("api: open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chatId", sr.ChatID)
	_ = w.WriteField("clientId", sr.ClientID)
	_ = w.WriteField("type", sr.Type)

	name := sr.File.Name
	if name == "" {
		name = filepath.Base(sr.File.Path)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("api: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("api: write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("api: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("api: new request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	withIdempotencyKey(sr.ClientID)(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}
