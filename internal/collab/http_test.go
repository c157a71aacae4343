package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// recordingServer captures the last request for assertions.
type recordingServer struct {
	*httptest.Server
	method string
	path   string
	auth   string
	body   []byte
}

func newRecordingServer(t *testing.T, status int, response string) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.method = r.Method
		rs.path = r.URL.RequestURI()
		rs.auth = r.Header.Get("Authorization")
		rs.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func TestHTTPSandbox_Provision(t *testing.T) {
	srv := newRecordingServer(t, http.StatusCreated, `{"id": "snap-1", "url": "https://ws/snap-1"}`)
	sb := NewHTTPSandbox(srv.URL, "sb-token")

	handle, err := sb.Provision(context.Background(), ProvisionRequest{
		Repo:           "acme/shop",
		CommitSHA:      "abc123",
		IdempotencyKey: "vr-1:snapshot:1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if handle.ID != "snap-1" || handle.URL != "https://ws/snap-1" {
		t.Errorf("handle = %+v", handle)
	}
	if srv.method != http.MethodPost || srv.path != "/snapshots" {
		t.Errorf("request = %s %s", srv.method, srv.path)
	}
	if srv.auth != "Bearer sb-token" {
		t.Errorf("auth = %q", srv.auth)
	}

	var req ProvisionRequest
	if err := json.Unmarshal(srv.body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.IdempotencyKey != "vr-1:snapshot:1" {
		t.Errorf("request = %+v", req)
	}
}

func TestHTTPSandbox_FindByKey(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, `[{"id": "snap-9"}]`)
	sb := NewHTTPSandbox(srv.URL, "")

	handle, err := sb.FindByKey(context.Background(), "vr-1:snapshot:2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if handle == nil || handle.ID != "snap-9" {
		t.Errorf("handle = %+v", handle)
	}
	if srv.path != "/snapshots?idempotency_key=vr-1%3Asnapshot%3A2" {
		t.Errorf("path = %s", srv.path)
	}
	if srv.auth != "" {
		t.Errorf("auth header sent without a token: %q", srv.auth)
	}
}

func TestHTTPSandbox_FindByKeyNone(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, `[]`)
	sb := NewHTTPSandbox(srv.URL, "")

	handle, err := sb.FindByKey(context.Background(), "vr-1:snapshot:1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if handle != nil {
		t.Errorf("handle = %+v, want nil", handle)
	}
}

func TestHTTPSandbox_Exec(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, `{"stdout": "ok", "exit_code": 0}`)
	sb := NewHTTPSandbox(srv.URL, "")

	res, err := sb.Exec(context.Background(), "snap-1", "make deploy")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok" {
		t.Errorf("result = %+v", res)
	}
	if srv.path != "/snapshots/snap-1/exec" {
		t.Errorf("path = %s", srv.path)
	}
}

func TestHTTPEvaluator_Evaluate(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK,
		`{"pass": false, "findings": [{"severity": "error", "message": "button missing"}]}`)
	ev := NewHTTPEvaluator(srv.URL, "")

	report, err := ev.Evaluate(context.Background(), "https://ws/snap-1", "verify checkout")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Pass || len(report.Findings) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestHTTPSourceControl_Merge(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK, `{"merged": true}`)
	scm := NewHTTPSourceControl(srv.URL, "gh-token")

	if err := scm.Merge(context.Background(), "acme/shop", 42, "abc123"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if srv.method != http.MethodPut || srv.path != "/repos/acme/shop/pulls/42/merge" {
		t.Errorf("request = %s %s", srv.method, srv.path)
	}
}

func TestHTTPSourceControl_MergeConflict(t *testing.T) {
	srv := newRecordingServer(t, http.StatusConflict, `{"message": "head changed"}`)
	scm := NewHTTPSourceControl(srv.URL, "")

	err := scm.Merge(context.Background(), "acme/shop", 42, "abc123")
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
}

func TestHTTPSourceControl_RequiredChecksClean(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"success", true},
		{"pending", false},
		{"failure", false},
	}
	for _, tc := range tests {
		t.Run(tc.state, func(t *testing.T) {
			srv := newRecordingServer(t, http.StatusOK, `{"state": "`+tc.state+`"}`)
			scm := NewHTTPSourceControl(srv.URL, "")

			clean, err := scm.RequiredChecksClean(context.Background(), "acme/shop", "abc123")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if clean != tc.want {
				t.Errorf("clean = %v, want %v", clean, tc.want)
			}
		})
	}
}

func TestHTTPCodeGen_CreateRun(t *testing.T) {
	srv := newRecordingServer(t, http.StatusCreated, `{"id": "ar-1", "status": "created"}`)
	cg := NewHTTPCodeGen(srv.URL, "cg-token")

	run, err := cg.CreateRun(context.Background(), "shop", "add a discount field")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ID != "ar-1" || run.Status != pipeline.RunCreated {
		t.Errorf("run = %+v", run)
	}
}

func TestHTTPCodeGen_SubmitFixContext(t *testing.T) {
	srv := newRecordingServer(t, http.StatusAccepted, `{}`)
	cg := NewHTTPCodeGen(srv.URL, "")

	fix := FixContext{
		ValidationRunID: "vr-1",
		Repo:            "acme/shop",
		PRNumber:        42,
		Stage:           pipeline.StageErrored,
	}
	if err := cg.SubmitFixContext(context.Background(), fix); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if srv.path != "/runs/fix" {
		t.Errorf("path = %s", srv.path)
	}
	var got FixContext
	if err := json.Unmarshal(srv.body, &got); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if got.ValidationRunID != "vr-1" {
		t.Errorf("fix context = %+v", got)
	}
}

func TestClient_ErrorCarriesStatusAndBody(t *testing.T) {
	srv := newRecordingServer(t, http.StatusBadGateway, `upstream exploded`)
	cg := NewHTTPCodeGen(srv.URL, "")

	_, err := cg.CreateRun(context.Background(), "shop", "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "status 502"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %v, want it to mention %q", err, want)
	}
	if !strings.Contains(err.Error(), "upstream exploded") {
		t.Errorf("err = %v, want the response body included", err)
	}
}
