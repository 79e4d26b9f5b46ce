package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HostConfig holds connection settings for the git hosting service.
type HostConfig struct {
	Endpoint string        `json:"endpoint"`
	Token    string        `json:"token"`
	Timeout  time.Duration `json:"-"`
}

// HTTPHost talks to the hosting provider's branch API. Repository
// internals stay on the other side of this boundary.
type HTTPHost struct {
	cfg    HostConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPHost creates a git host client.
func NewHTTPHost(cfg HostConfig, logger *zap.Logger) *HTTPHost {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPHost{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type diffResponse struct {
	Files []string `json:"files"`
}

// ChangedFiles lists the branch's footprint against base.
func (h *HTTPHost) ChangedFiles(ctx context.Context, base, branch string) ([]string, error) {
	var out diffResponse
	path := "/diff?" + branchQuery(base, branch)
	if err := h.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, branch, err)
	}
	return out.Files, nil
}

type dryRunResponse struct {
	Conflicts []string `json:"conflicts"`
}

// DryRun asks the host to test-merge without committing.
func (h *HTTPHost) DryRun(ctx context.Context, base, branch string) ([]string, error) {
	var out dryRunResponse
	path := "/merges/dry-run?" + branchQuery(base, branch)
	if err := h.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, fmt.Errorf("dry-run %s into %s: %w", branch, base, err)
	}
	return out.Conflicts, nil
}

type mergeRequest struct {
	Base    string `json:"base"`
	Branch  string `json:"branch"`
	Message string `json:"message"`
}

type mergeResponse struct {
	Commit string `json:"commit"`
}

// Merge lands the branch on base and returns the merge commit.
func (h *HTTPHost) Merge(ctx context.Context, base, branch, message string) (string, error) {
	body, err := json.Marshal(mergeRequest{Base: base, Branch: branch, Message: message})
	if err != nil {
		return "", fmt.Errorf("marshal merge request: %w", err)
	}
	var out mergeResponse
	if err := h.do(ctx, http.MethodPost, "/merges", body, &out); err != nil {
		return "", fmt.Errorf("merge %s into %s: %w", branch, base, err)
	}
	return out.Commit, nil
}

func branchQuery(base, branch string) string {
	q := url.Values{}
	q.Set("base", base)
	q.Set("branch", branch)
	return q.Encode()
}

func (h *HTTPHost) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.cfg.Endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("git host API error %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
