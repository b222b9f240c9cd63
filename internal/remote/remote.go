// Package remote ensures repositories exist on the hosting service.
//
// The client speaks the small REST surface mirrorkeep needs: look up a
// repository under the configured owner and create it when absent.
// Everything else about the hosting service is out of scope.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const requestTimeout = 15 * time.Second

// APIError reports a hosting API response that was neither success nor
// the expected "not found".
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API returned %d: %s", e.Status, e.Body)
}

// Client talks to the hosting service's REST API.
type Client struct {
	apiBase       string
	owner         string
	token         string
	defaultBranch string
	http          *http.Client
}

// NewClient returns a Client for the API at apiBase, creating
// repositories under owner with the given default branch.
func NewClient(apiBase, owner, token, defaultBranch string) *Client {
	return &Client{
		apiBase:       apiBase,
		owner:         owner,
		token:         token,
		defaultBranch: defaultBranch,
		http:          &http.Client{Timeout: requestTimeout},
	}
}

// createRepoRequest is the creation payload: a private repository with
// no auto-initialized content, so the first push defines its history.
type createRepoRequest struct {
	Name          string `json:"name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	AutoInit      bool   `json:"auto_init"`
}

// Ensure makes sure a repository named name exists under the configured
// owner, creating it when the lookup reports not-found. Idempotent. Any
// failure other than the 404 lookup propagates as *APIError (or a
// transport error) and aborts only the caller's project sync.
func (c *Client) Ensure(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s", c.apiBase, c.owner, name), nil)
	if err != nil {
		return fmt.Errorf("failed to query repository %s/%s: %w", c.owner, name, err)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		// fall through to creation
	default:
		return &APIError{Status: status, Body: body}
	}

	payload, err := json.Marshal(createRepoRequest{
		Name:          name,
		Private:       true,
		DefaultBranch: c.defaultBranch,
		AutoInit:      false,
	})
	if err != nil {
		return fmt.Errorf("failed to encode create request: %w", err)
	}

	status, body, err = c.do(ctx, http.MethodPost, c.apiBase+"/user/repos", payload)
	if err != nil {
		return fmt.Errorf("failed to create repository %s/%s: %w", c.owner, name, err)
	}
	if status < 200 || status >= 300 {
		return &APIError{Status: status, Body: body}
	}

	log.Info().Str("repo", c.owner+"/"+name).Msg("Created remote repository")
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (int, string, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(bytes.TrimSpace(text)), nil
}
