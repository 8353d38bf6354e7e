package convo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/haydenbarnes/convo-sync/internal/store"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RemoteError is a typed rejection returned by the service for a
// mutating call. Callers match on Label.
type RemoteError struct {
	StatusCode int    `json:"-"`
	Label      string `json:"label"`
	Message    string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected request (%d %s): %s", e.StatusCode, e.Label, e.Message)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client when
	// no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the conversation service's REST API and implements
// Remote.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client. If httpClient is nil, a client with
// a 30-second timeout is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

var _ Remote = (*Client)(nil)

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// do sends a request with the auth header and decodes a 2xx JSON
// response into result (when non-nil). Non-2xx responses become
// RemoteError; network failures and 5xx/429 become TransientError.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := &RemoteError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, remoteErr); err != nil || remoteErr.Label == "" {
			remoteErr.Label = "unknown"
			remoteErr.Message = http.StatusText(resp.StatusCode)
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: remoteErr}
		}

		return remoteErr
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}

	return nil
}

// FetchConversation fetches a single conversation snapshot by remote id.
func (c *Client) FetchConversation(ctx context.Context, remoteID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(remoteID), nil, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// ListConversations fetches the full snapshot list for the account,
// following the paging cursor until exhausted.
func (c *Client) ListConversations(ctx context.Context) ([]Snapshot, error) {
	var (
		all   []Snapshot
		start string
	)

	for {
		endpoint := "/conversations?size=100"
		if start != "" {
			endpoint += "&start=" + url.QueryEscape(start)
		}

		var page struct {
			Conversations []Snapshot `json:"conversations"`
			HasMore       bool       `json:"has_more"`
		}

		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Conversations...)

		if !page.HasMore || len(page.Conversations) == 0 {
			return all, nil
		}

		start = page.Conversations[len(page.Conversations)-1].RemoteID
	}
}

// UpdateAccess confirms an access-mode change with the service.
func (c *Client) UpdateAccess(ctx context.Context, remoteID string, access []store.AccessFlag, role store.AccessRole) error {
	body := struct {
		Access []store.AccessFlag `json:"access"`
		Role   store.AccessRole   `json:"access_role"`
	}{Access: access, Role: role}

	return c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(remoteID)+"/access", body, nil)
}

// CreateLink asks the service for an invite link.
func (c *Client) CreateLink(ctx context.Context, remoteID string) (string, error) {
	var resp struct {
		URI string `json:"uri"`
	}

	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(remoteID)+"/code", nil, &resp); err != nil {
		return "", err
	}

	return resp.URI, nil
}

// RemoveLink revokes a conversation's invite link.
func (c *Client) RemoveLink(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(remoteID)+"/code", nil, nil)
}

// FetchUser fetches a user profile.
func (c *Client) FetchUser(ctx context.Context, userID string) (*UserProfile, error) {
	var profile UserProfile
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &profile); err != nil {
		return nil, err
	}

	return &profile, nil
}
