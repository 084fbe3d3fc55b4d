package rest

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
)

// APIError is a non-success answer from the downloads API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client talks to the downloads API.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient returns a Client for the API at baseURL. Credentials are sent when username is not empty.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Add queues rawURL and returns the new download id.
func (c *Client) Add(ctx context.Context, rawURL, fileName string) (string, error) {
	var resp EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/downloads", EnqueueRequest{URL: rawURL, FileName: fileName}, &resp); err != nil {
		return "", err
	}

	return resp.ID, nil
}

// List returns every download known to the server, newest first.
func (c *Client) List(ctx context.Context) ([]DownloadResponse, error) {
	var resp []DownloadResponse
	if err := c.do(ctx, http.MethodGet, "/downloads", nil, &resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// Get returns one download.
func (c *Client) Get(ctx context.Context, id string) (DownloadResponse, error) {
	var resp DownloadResponse
	err := c.do(ctx, http.MethodGet, "/downloads/"+url.PathEscape(id), nil, &resp)

	return resp, err
}

// Cancel asks the server to cancel id.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/downloads/"+url.PathEscape(id), nil, nil)
}

// History returns the persisted download history.
func (c *Client) History(ctx context.Context) ([]HistoryRecord, error) {
	var resp []HistoryRecord
	if err := c.do(ctx, http.MethodGet, "/history", nil, &resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
