package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"freely/api/internal/auth"
	"freely/api/internal/docstore"
	"freely/api/internal/export"
	"freely/api/internal/metrics"
	"freely/api/internal/store"
	"freely/api/internal/worker"
)

var devSecret = []byte("test-secret")

type pingRepo struct {
	*store.MemoryStore
	pingErr error
}

func (r *pingRepo) Ping(context.Context) error { return r.pingErr }

type testServer struct {
	handler    http.Handler
	repo       *pingRepo
	dispatcher *worker.Dispatcher
	metrics    *metrics.Metrics
	token      string
}

func newTestServer(t *testing.T, opts ...HTTPOption) *testServer {
	t.Helper()
	repo := &pingRepo{MemoryStore: store.NewMemoryStore()}
	dispatcher := worker.New(2)
	reg := metrics.New()
	exporter := export.NewService(docstore.New(repo), export.WithRenderer(export.FormatPDF,
		func(_ context.Context, html, title string) (*export.Result, error) {
			return &export.Result{Data: []byte(html), Filename: "proposal.pdf", MimeType: "application/pdf"}, nil
		}))
	service := NewService(Deps{
		Repository: repo,
		Engine:     &fakeEngine{},
		Dispatcher: dispatcher,
		Exporter:   exporter,
		Metrics:    reg,
	})
	opts = append([]HTTPOption{WithMetrics(reg, reg.Handler())}, opts...)
	server := NewHTTPServer(service, auth.NewHMACVerifier(devSecret), "*", opts...)

	token, err := auth.IssueDevToken(devSecret, caller, time.Hour)
	if err != nil {
		t.Fatalf("IssueDevToken() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
	})
	return &testServer{handler: server.Handler(), repo: repo, dispatcher: dispatcher, metrics: reg, token: token}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get("Authorization") == "" && ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func multipartRequest(t *testing.T, method, target string, fields map[string]string, fileName string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if fileName != "" {
		part, err := writer.CreateFormFile("chat_file", fileName)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(file); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// createProposal posts a from_text proposal and waits for generation.
func (ts *testServer) createProposal(t *testing.T) string {
	t.Helper()
	req := multipartRequest(t, http.MethodPost, "/api/proposals", map[string]string{
		"proposal_type": "from_text",
		"client_name":   "Acme",
		"text":          "Client wants a landing page by Friday",
	}, "", nil)
	rr := ts.do(t, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	id, _ := decode(t, rr)["id"].(string)
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := ts.repo.FindByID(context.Background(), id)
		if err == nil && rec.Status == store.StatusCompleted && !ts.dispatcher.Busy(id) {
			return id
		}
		if time.Now().After(deadline) {
			t.Fatalf("proposal %s did not complete, status %s", id, rec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	ts.token = ""

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Code != http.StatusOK || decode(t, rr)["ok"] != true {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready = %d", rr.Code)
	}

	ts.repo.pingErr = errors.New("connection refused")
	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing db = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "not_ready" {
		t.Errorf("status = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["error"] != "connection refused" {
		t.Errorf("database check = %v", database)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		header  string
		message string
		reason  string
	}{
		{"missing header", "", "Missing or invalid Authorization header", "missing_credential"},
		{"wrong scheme", "Basic abc", "Missing or invalid Authorization header", "missing_credential"},
		{"garbage token", "Bearer not-a-jwt", "Invalid token signature. Please sign in again.", "invalid_signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/proposals", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			} else {
				req.Header.Set("Authorization", " ")
			}
			rr := httptest.NewRecorder()
			ts.handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			body := decode(t, rr)
			if body["code"] != "UNAUTHORIZED" || body["error"] != tt.message {
				t.Errorf("body = %v", body)
			}
			if details, _ := body["details"].(map[string]any); details["reason"] != tt.reason {
				t.Errorf("reason = %v, want %s", body["details"], tt.reason)
			}
		})
	}

	expired, err := auth.IssueDevToken(devSecret, caller, -time.Minute)
	if err != nil {
		t.Fatalf("IssueDevToken() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr := ts.do(t, req)
	if rr.Code != http.StatusUnauthorized || decode(t, rr)["error"] != "Authentication token has expired. Please sign in again." {
		t.Fatalf("expired token = %d %s", rr.Code, rr.Body.String())
	}
}

func TestMeReturnsClaims(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["uid"] != "user-1" || body["email"] != "sam@example.com" || body["email_verified"] != true {
		t.Errorf("me = %v", body)
	}
}

func TestCreateAnalysisMultipart(t *testing.T) {
	ts := newTestServer(t)

	req := multipartRequest(t, http.MethodPost, "/api/risk-analysis", map[string]string{
		"analysis_type": "client_chat_import",
		"client_name":   "Acme",
	}, "chat.txt", []byte("Client: can you start Monday?"))
	rr := ts.do(t, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["analysis_type"] != "client_chat_import" || body["type"] != "analysis" {
		t.Errorf("unexpected record: %v", body)
	}
	if _, ok := body["proposal_type"]; ok {
		t.Error("analysis should not carry proposal_type")
	}
	input := body["input_data"].(map[string]any)
	if input["file_name"] != "chat.txt" || input["chat_content"] != "Client: can you start Monday?" {
		t.Errorf("input_data = %v", input)
	}

	rr = ts.do(t, multipartRequest(t, http.MethodPost, "/api/risk-analysis", map[string]string{
		"analysis_type": "client_chat_import",
		"client_name":   "Acme",
	}, "chat.pdf", []byte("%PDF")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("pdf upload status = %d", rr.Code)
	}
	if got := decode(t, rr)["error"]; got != "PDF files are not supported. Please upload a text document (.txt, .docx, .csv)." {
		t.Errorf("pdf error = %v", got)
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/risk-analysis?limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	list := decode(t, rr)
	if list["count"] != float64(1) || len(list["analyses"].([]any)) != 1 {
		t.Errorf("list = %v", list)
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/risk-analysis?limit=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
}

func TestUploadLimit(t *testing.T) {
	ts := newTestServer(t, WithMaxUploadBytes(1024))

	req := multipartRequest(t, http.MethodPost, "/api/proposals", map[string]string{
		"proposal_type": "from_chat",
		"client_name":   "Acme",
	}, "chat.txt", bytes.Repeat([]byte("a"), 4096))
	rr := ts.do(t, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413; body %s", rr.Code, rr.Body.String())
	}
	if decode(t, rr)["code"] != "PAYLOAD_TOO_LARGE" {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestProposalVersionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)
	base := "/api/proposals/" + id

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, base, nil))
	if rr.Code != http.StatusOK || decode(t, rr)["proposal_type"] != "from_text" {
		t.Fatalf("get = %d %s", rr.Code, rr.Body.String())
	}

	saveReq := httptest.NewRequest(http.MethodPut, base+"/save", strings.NewReader(`{"formatted_proposal":"# Proposal\n\nEdited"}`))
	saveReq.Header.Set("Content-Type", "application/json")
	rr = ts.do(t, saveReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("save = %d %s", rr.Code, rr.Body.String())
	}
	if got := decode(t, rr)["current_version_index"]; got != float64(1) {
		t.Errorf("current_version_index after save = %v", got)
	}

	form := url.Values{"version_index": {"0"}}
	restoreReq := httptest.NewRequest(http.MethodPost, base+"/restore", strings.NewReader(form.Encode()))
	restoreReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = ts.do(t, restoreReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore = %d %s", rr.Code, rr.Body.String())
	}
	results := decode(t, rr)["results"].(map[string]any)
	if results["formatted_proposal"] != "# Proposal\n\nDraft one" {
		t.Errorf("restored content = %v", results["formatted_proposal"])
	}

	badRestore := httptest.NewRequest(http.MethodPost, base+"/restore", strings.NewReader(`{"version_index": 9}`))
	badRestore.Header.Set("Content-Type", "application/json")
	rr = ts.do(t, badRestore)
	if rr.Code != http.StatusBadRequest || decode(t, rr)["error"] != "Invalid version index" {
		t.Fatalf("bad restore = %d %s", rr.Code, rr.Body.String())
	}

	missing := httptest.NewRequest(http.MethodPost, base+"/restore", strings.NewReader(`{}`))
	missing.Header.Set("Content-Type", "application/json")
	rr = ts.do(t, missing)
	if rr.Code != http.StatusBadRequest || decode(t, rr)["error"] != "version_index is required" {
		t.Fatalf("missing version = %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, base+"/history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d", rr.Code)
	}
	history := decode(t, rr)
	if history["total_versions"] != float64(2) || history["current_version_index"] != float64(0) {
		t.Errorf("history = %v", history)
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, base+"/commits", nil))
	if rr.Code != http.StatusOK || len(decode(t, rr)["commits"].([]any)) != 0 {
		t.Errorf("commits without archive = %d %s", rr.Code, rr.Body.String())
	}
}

func TestUpdateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)

	rr := ts.do(t, multipartRequest(t, http.MethodPatch, "/api/proposals/"+id, map[string]string{}, "", nil))
	if rr.Code != http.StatusBadRequest || decode(t, rr)["error"] != "user_changes is required" {
		t.Fatalf("missing user_changes = %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, multipartRequest(t, http.MethodPatch, "/api/proposals/"+id, map[string]string{"user_changes": "add a timeline"}, "", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rr.Code, rr.Body.String())
	}
	if decode(t, rr)["status"] != "processing" {
		t.Errorf("update should return the processing record")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.dispatcher.Busy(id) {
		if time.Now().After(deadline) {
			t.Fatal("update did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := ts.repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if rec.Content() != "# Proposal\n\nDraft one\n\nadd a timeline" || len(rec.History) != 2 {
		t.Errorf("after update content=%q history=%d", rec.Content(), len(rec.History))
	}
}

func TestExportEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id+"/export?format=pdf&version=0", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("export = %d %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != "attachment; filename=proposal.pdf" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.Contains(rr.Body.String(), "Draft one") {
		t.Error("exported document should contain the proposal text")
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id+"/export?format=odt", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unsupported format status = %d", rr.Code)
	}
	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id+"/export?version=7", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("out of range version status = %d", rr.Code)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/risk-analysis/"+id, nil))
	if rr.Code != http.StatusNotFound || decode(t, rr)["error"] != "Risk analysis not found" {
		t.Fatalf("typed get = %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/proposals/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["deleted_id"] != id || body["message"] != "Proposal deleted successfully" {
		t.Errorf("delete body = %v", body)
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=landing&type=proposal", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("search = %d %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	results := body["results"].([]any)
	if body["total"] != float64(1) || len(results) != 1 || results[0].(map[string]any)["id"] != id {
		t.Errorf("search body = %v", body)
	}

	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=landing&type=invoice", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d", rr.Code)
	}
}

func TestPreflightAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/proposals/abc", nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" || !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Errorf("cors headers = %v", rr.Header())
	}

	ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals", nil))

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
	out, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(out), `freely_http_requests_total{code="2xx",method="GET",route="/api/proposals`) {
		t.Errorf("metrics output missing request counter:\n%s", out)
	}
}

func TestReadyReportsExtraChecks(t *testing.T) {
	ts := newTestServer(t, WithReadyCheck("redis", func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	}))

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready = %d", rr.Code)
	}
	checks := decode(t, rr)["checks"].(map[string]any)
	if checks["database"].(map[string]any)["status"] != "ok" {
		t.Errorf("database check = %v", checks["database"])
	}
	if checks["redis"].(map[string]any)["status"] != "error" {
		t.Errorf("redis check = %v", checks["redis"])
	}
}

func TestUploadLinkWithoutObjectStorage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createProposal(t)

	rr := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id+"/upload", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("upload link = %d %s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/proposals/"+id+"/commits/abc1234", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("commit content without archive = %d", rr.Code)
	}
}
