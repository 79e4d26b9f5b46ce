package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/halcyonlabs/specforge/internal/domain"
	"go.uber.org/zap"
)

// BackendConfig holds connection settings for the sandbox service.
type BackendConfig struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"-"`
}

// HTTPBackend talks to an external sandbox service: one POST to open a
// session, long-polled heartbeats, a blocking result fetch, and POSTed
// interventions. Sandbox container internals stay on the other side of
// this boundary.
type HTTPBackend struct {
	cfg    BackendConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPBackend creates a sandbox backend client.
func NewHTTPBackend(cfg BackendConfig, logger *zap.Logger) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// Acquire opens a sandbox session and starts the heartbeat and result
// pumps.
func (b *HTTPBackend) Acquire(ctx context.Context, req RunRequest) (Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}
	var opened openSessionResponse
	if err := b.do(ctx, http.MethodPost, "/sessions", body, &opened); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &httpSession{
		backend: b,
		id:      opened.SessionID,
		agentID: opened.AgentID,
		beats:   make(chan Heartbeat, 16),
		result:  make(chan RunResult, 1),
		cancel:  cancel,
	}
	go s.pumpHeartbeats(pumpCtx)
	go s.pumpResult(pumpCtx)
	return s, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.Endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox API error %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type httpSession struct {
	backend *HTTPBackend
	id      string
	agentID string
	beats   chan Heartbeat
	result  chan RunResult
	cancel  context.CancelFunc
}

func (s *httpSession) AgentID() string              { return s.agentID }
func (s *httpSession) Heartbeats() <-chan Heartbeat { return s.beats }
func (s *httpSession) Result() <-chan RunResult     { return s.result }

// pumpHeartbeats long-polls the heartbeat endpoint until the session ends.
func (s *httpSession) pumpHeartbeats(ctx context.Context) {
	defer close(s.beats)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var hb Heartbeat
		err := s.backend.do(ctx, http.MethodGet, "/sessions/"+s.id+"/heartbeat", nil, &hb)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.backend.logger.Debug("heartbeat poll failed",
				zap.String("session", s.id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		select {
		case s.beats <- hb:
		case <-ctx.Done():
			return
		}
	}
}

type resultResponse struct {
	Artifact *domain.Artifact `json:"artifact,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// pumpResult blocks on the result endpoint, then stops the pumps.
func (s *httpSession) pumpResult(ctx context.Context) {
	defer s.cancel()
	var res resultResponse
	if err := s.backend.do(ctx, http.MethodGet, "/sessions/"+s.id+"/result", nil, &res); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.result <- RunResult{Err: fmt.Errorf("fetch result: %w", err)}
		return
	}
	if res.Error != "" {
		s.result <- RunResult{Err: fmt.Errorf("agent error: %s", res.Error)}
		return
	}
	s.result <- RunResult{Artifact: res.Artifact}
}

// Deliver posts an intervention into the running session.
func (s *httpSession) Deliver(ctx context.Context, iv domain.Intervention) error {
	body, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("marshal intervention: %w", err)
	}
	return s.backend.do(ctx, http.MethodPost, "/sessions/"+s.id+"/interventions", body, nil)
}

// Stop tears the sandbox down.
func (s *httpSession) Stop(ctx context.Context) error {
	defer s.cancel()
	return s.backend.do(ctx, http.MethodDelete, "/sessions/"+s.id, nil, nil)
}
