package collab

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

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// client is the shared JSON-over-HTTP plumbing for collaborator APIs.
type client struct {
	base  string
	token string
	hc    *http.Client
}

func newClient(baseURL, token string) client {
	return client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		hc:    &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends a JSON request and decodes a JSON response. A nil out discards
// the body. Non-2xx responses become errors carrying the status and body.
func (c client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrMergeConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPSandbox talks to the sandbox provider's REST API.
type HTTPSandbox struct {
	client
}

// NewHTTPSandbox creates a sandbox client.
func NewHTTPSandbox(baseURL, token string) *HTTPSandbox {
	return &HTTPSandbox{newClient(baseURL, token)}
}

// Provision implements Sandbox.
func (s *HTTPSandbox) Provision(ctx context.Context, req ProvisionRequest) (*SnapshotHandle, error) {
	var handle SnapshotHandle
	if err := s.do(ctx, http.MethodPost, "/snapshots", req, &handle); err != nil {
		return nil, fmt.Errorf("provision snapshot: %w", err)
	}
	return &handle, nil
}

// FindByKey implements Sandbox.
func (s *HTTPSandbox) FindByKey(ctx context.Context, idempotencyKey string) (*SnapshotHandle, error) {
	var handles []SnapshotHandle
	path := "/snapshots?idempotency_key=" + url.QueryEscape(idempotencyKey)
	if err := s.do(ctx, http.MethodGet, path, nil, &handles); err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	if len(handles) == 0 {
		return nil, nil
	}
	return &handles[0], nil
}

// Exec implements Sandbox.
func (s *HTTPSandbox) Exec(ctx context.Context, handleID, command string) (*ExecResult, error) {
	var result ExecResult
	path := "/snapshots/" + url.PathEscape(handleID) + "/exec"
	if err := s.do(ctx, http.MethodPost, path, map[string]string{"command": command}, &result); err != nil {
		return nil, fmt.Errorf("exec in snapshot %s: %w", handleID, err)
	}
	return &result, nil
}

// Destroy implements Sandbox.
func (s *HTTPSandbox) Destroy(ctx context.Context, handleID string) error {
	if err := s.do(ctx, http.MethodDelete, "/snapshots/"+url.PathEscape(handleID), nil, nil); err != nil {
		return fmt.Errorf("destroy snapshot %s: %w", handleID, err)
	}
	return nil
}

// HTTPEvaluator talks to the automated evaluator service.
type HTTPEvaluator struct {
	client
}

// NewHTTPEvaluator creates an evaluator client.
func NewHTTPEvaluator(baseURL, token string) *HTTPEvaluator {
	return &HTTPEvaluator{newClient(baseURL, token)}
}

// Evaluate implements Evaluator.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, deployedURL, taskDescription string) (*EvalReport, error) {
	req := map[string]string{"url": deployedURL, "task": taskDescription}
	var report EvalReport
	if err := e.do(ctx, http.MethodPost, "/evaluations", req, &report); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", deployedURL, err)
	}
	return &report, nil
}

// HTTPSourceControl talks to the source-control provider's merge and
// status APIs.
type HTTPSourceControl struct {
	client
}

// NewHTTPSourceControl creates a source-control client.
func NewHTTPSourceControl(baseURL, token string) *HTTPSourceControl {
	return &HTTPSourceControl{newClient(baseURL, token)}
}

// Merge implements SourceControl.
func (s *HTTPSourceControl) Merge(ctx context.Context, repo string, prNumber int, commitSHA string) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, prNumber)
	req := map[string]string{"sha": commitSHA}
	if err := s.do(ctx, http.MethodPut, path, req, nil); err != nil {
		if err == ErrMergeConflict {
			return err
		}
		return fmt.Errorf("merge %s#%d: %w", repo, prNumber, err)
	}
	return nil
}

// RequiredChecksClean implements SourceControl.
func (s *HTTPSourceControl) RequiredChecksClean(ctx context.Context, repo, commitSHA string) (bool, error) {
	path := fmt.Sprintf("/repos/%s/commits/%s/status", repo, url.PathEscape(commitSHA))
	var status struct {
		State string `json:"state"`
	}
	if err := s.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return false, fmt.Errorf("check status %s@%s: %w", repo, commitSHA, err)
	}
	return status.State == "success", nil
}

// HTTPCodeGen talks to the code-generation service.
type HTTPCodeGen struct {
	client
}

// NewHTTPCodeGen creates a code-generation client.
func NewHTTPCodeGen(baseURL, token string) *HTTPCodeGen {
	return &HTTPCodeGen{newClient(baseURL, token)}
}

// CreateRun implements CodeGen.
func (c *HTTPCodeGen) CreateRun(ctx context.Context, projectID, prompt string) (*pipeline.AgentRun, error) {
	req := map[string]string{"project_id": projectID, "prompt": prompt}
	var run pipeline.AgentRun
	if err := c.do(ctx, http.MethodPost, "/runs", req, &run); err != nil {
		return nil, fmt.Errorf("create agent run: %w", err)
	}
	return &run, nil
}

// GetRun implements CodeGen.
func (c *HTTPCodeGen) GetRun(ctx context.Context, id string) (*pipeline.AgentRun, error) {
	var run pipeline.AgentRun
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, fmt.Errorf("get agent run %s: %w", id, err)
	}
	return &run, nil
}

// SubmitFixContext implements CodeGen. Failure context goes back through the
// same create/continue contract the run started with.
func (c *HTTPCodeGen) SubmitFixContext(ctx context.Context, fix FixContext) error {
	if err := c.do(ctx, http.MethodPost, "/runs/fix", fix, nil); err != nil {
		return fmt.Errorf("submit fix context: %w", err)
	}
	return nil
}
