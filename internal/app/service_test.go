package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freely/api/internal/auth"
	"freely/api/internal/docstore"
	"freely/api/internal/email"
	"freely/api/internal/engine"
	"freely/api/internal/extract"
	"freely/api/internal/gitrepo"
	"freely/api/internal/search"
	"freely/api/internal/store"
	"freely/api/internal/worker"
)

var caller = auth.Claims{UID: "user-1", Email: "sam@example.com", EmailVerified: true, Name: "Sam"}

type fakeEngine struct {
	riskFn     func(ctx context.Context, text string) (json.RawMessage, error)
	generateFn func(ctx context.Context, text string) (engine.Proposal, error)
	updateFn   func(ctx context.Context, current, instructions, newText string) (string, error)
}

func (f *fakeEngine) RiskAnalysis(ctx context.Context, text string) (json.RawMessage, error) {
	if f.riskFn != nil {
		return f.riskFn(ctx, text)
	}
	return json.RawMessage(`{"risk_score":3,"risk_level":"GREEN"}`), nil
}

func (f *fakeEngine) GenerateProposal(ctx context.Context, text string) (engine.Proposal, error) {
	if f.generateFn != nil {
		return f.generateFn(ctx, text)
	}
	return engine.Proposal{Content: "# Proposal\n\nDraft one", Data: json.RawMessage(`{"formatted_proposal":"x"}`)}, nil
}

func (f *fakeEngine) UpdateProposal(ctx context.Context, current, instructions, newText string) (string, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, current, instructions, newText)
	}
	return current + "\n\n" + instructions, nil
}

type fakeArchive struct {
	mu       sync.Mutex
	messages []string
	contents map[string]string
	removed  []string
}

func (f *fakeArchive) Snapshot(recordID, content, author, message string) (gitrepo.Commit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	if f.contents == nil {
		f.contents = map[string]string{}
	}
	hash := fmt.Sprintf("%07d", len(f.messages))
	f.contents[hash] = content
	return gitrepo.Commit{Hash: hash, Message: message, Author: author}, true, nil
}

func (f *fakeArchive) Log(recordID string, limit int) ([]gitrepo.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, gitrepo.ErrNoArchive
	}
	out := make([]gitrepo.Commit, 0, len(f.messages))
	for i := len(f.messages) - 1; i >= 0; i-- {
		out = append(out, gitrepo.Commit{Hash: fmt.Sprintf("%07d", i+1), Message: f.messages[i]})
	}
	return out, nil
}

func (f *fakeArchive) ContentAt(recordID, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[hash]
	if !ok {
		return "", gitrepo.ErrUnknownCommit
	}
	return content, nil
}

func (f *fakeArchive) Remove(recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, recordID)
	return nil
}

func (f *fakeArchive) snapshotMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeBlobs struct {
	mu      sync.Mutex
	put     map[string][]byte
	deleted []string
}

func (f *fakeBlobs) Put(_ context.Context, ownerID, fileName, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.put == nil {
		f.put = map[string][]byte{}
	}
	key := "uploads/" + ownerID + "/" + fileName
	f.put[key] = data
	return key, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobs) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []email.Completion
	to   []string
}

func (f *fakeNotifier) IsConfigured() bool { return true }

func (f *fakeNotifier) SendCompletion(to string, c email.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	finished []string
}

func (f *fakeRecorder) RecordCreated(recordType, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, recordType+"/"+kind)
}

func (f *fakeRecorder) RecordFinished(operation, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, operation+"/"+status)
}

type harness struct {
	service    *Service
	repo       *store.MemoryStore
	engine     *fakeEngine
	dispatcher *worker.Dispatcher
	archive    *fakeArchive
	blobs      *fakeBlobs
	notifier   *fakeNotifier
	recorder   *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:       store.NewMemoryStore(),
		engine:     &fakeEngine{},
		dispatcher: worker.New(4),
		archive:    &fakeArchive{},
		blobs:      &fakeBlobs{},
		notifier:   &fakeNotifier{},
		recorder:   &fakeRecorder{},
	}
	h.service = NewService(Deps{
		Repository: h.repo,
		Engine:     h.engine,
		Dispatcher: h.dispatcher,
		Archive:    h.archive,
		Blobs:      h.blobs,
		Notifier:   h.notifier,
		Metrics:    h.recorder,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.dispatcher.Close(ctx)
	})
	return h
}

// waitFor polls the record until its status matches.
func (h *harness) waitFor(t *testing.T, id string, status store.Status) store.Record {
	t.Helper()
	var rec store.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = h.repo.FindByID(context.Background(), id)
		return err == nil && rec.Status == status && !h.dispatcher.Busy(id)
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func (h *harness) generatedProposal(t *testing.T) store.Record {
	t.Helper()
	rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{
		Kind:       "from_text",
		ClientName: "Acme",
		Text:       "Client wants a landing page by Friday",
	})
	require.NoError(t, err)
	return h.waitFor(t, rec.ID, store.StatusCompleted)
}

func TestCreateProposalGeneratesArchivesAndNotifies(t *testing.T) {
	h := newHarness(t)

	rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{
		Kind:       "from_text",
		ClientName: "Acme",
		Text:       "Client wants a landing page by Friday",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, rec.Status)
	assert.Equal(t, store.KindFromText, rec.Kind)
	assert.True(t, rec.Input.HasFullContent)

	done := h.waitFor(t, rec.ID, store.StatusCompleted)
	assert.Equal(t, "# Proposal\n\nDraft one", done.Content())
	require.Len(t, done.History, 1)
	assert.Equal(t, 0, done.CurrentVersionIndex)

	assert.Equal(t, []string{"Generate proposal (version 1)"}, h.archive.snapshotMessages())
	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sam@example.com", h.notifier.to[0])
	assert.True(t, h.notifier.sent[0].Succeeded)
	assert.Equal(t, "Acme", h.notifier.sent[0].ClientName)

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	assert.Equal(t, []string{"proposal/from_text"}, h.recorder.created)
	assert.Equal(t, []string{"generate/completed"}, h.recorder.finished)
}

func TestCreateAnalysisRecordsEngineFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.riskFn = func(context.Context, string) (json.RawMessage, error) {
		return nil, &engine.EngineError{Kind: engine.KindRateLimited, Message: "AI analysis failed: rate limit reached"}
	}

	rec, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{
		Kind:       "client_chat_import",
		ClientName: "Acme",
		File:       &Upload{FileName: "chat.txt", ContentType: "text/plain", Data: []byte("hello, can you build this?")},
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/user-1/chat.txt", rec.Input.StorageKey)
	assert.Equal(t, "text/plain", rec.Input.FileType)

	failed := h.waitFor(t, rec.ID, store.StatusFailed)
	require.NotNil(t, failed.Result)
	assert.Equal(t, "AI analysis failed: rate limit reached", failed.Result.Error)
	assert.Empty(t, h.archive.snapshotMessages())
}

func TestCreateWithEmptyUploadFailsWithoutEngineCall(t *testing.T) {
	h := newHarness(t)
	called := false
	h.engine.riskFn = func(context.Context, string) (json.RawMessage, error) {
		called = true
		return nil, nil
	}

	rec, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{
		Kind:       "client_chat_import",
		ClientName: "Acme",
		File:       &Upload{FileName: "chat.txt", Data: []byte("   ")},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "Failed to extract text from uploaded file", rec.Result.Error)
	assert.Equal(t, "unknown", rec.Input.FileType)
	assert.False(t, h.dispatcher.Busy(rec.ID))
	assert.False(t, called)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	file := &Upload{FileName: "chat.txt", Data: []byte("hi")}

	tests := []struct {
		name    string
		create  func(context.Context, auth.Claims, CreateInput) (store.Record, error)
		in      CreateInput
		message string
	}{
		{
			name:    "unknown analysis type",
			create:  h.service.CreateAnalysis,
			in:      CreateInput{Kind: "essay"},
			message: "Invalid analysis_type. Must be one of: client_chat_import, job_proposal, text",
		},
		{
			name:    "unknown proposal type",
			create:  h.service.CreateProposal,
			in:      CreateInput{Kind: "client_chat_import"},
			message: "Invalid proposal_type. Must be one of: from_chat, from_text",
		},
		{
			name:    "chat import without client",
			create:  h.service.CreateAnalysis,
			in:      CreateInput{Kind: "client_chat_import", File: file},
			message: "client_name is required for client_chat_import",
		},
		{
			name:    "from chat without file",
			create:  h.service.CreateProposal,
			in:      CreateInput{Kind: "from_chat", ClientName: "Acme"},
			message: "chat_file is required for from_chat",
		},
		{
			name:    "pdf upload",
			create:  h.service.CreateAnalysis,
			in:      CreateInput{Kind: "client_chat_import", ClientName: "Acme", File: &Upload{FileName: "chat.PDF"}},
			message: "PDF files are not supported. Please upload a text document (.txt, .docx, .csv).",
		},
		{
			name:    "legacy doc upload",
			create:  h.service.CreateProposal,
			in:      CreateInput{Kind: "from_chat", ClientName: "Acme", File: &Upload{FileName: "chat.doc"}},
			message: "Old .doc files are not supported. Please convert to .docx or upload as .txt file.",
		},
		{
			name:    "text kind without input",
			create:  h.service.CreateAnalysis,
			in:      CreateInput{Kind: "job_proposal"},
			message: "text or chat_file is required for job_proposal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.create(context.Background(), caller, tt.in)
			var domainErr *DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, http.StatusBadRequest, domainErr.Status)
			assert.Equal(t, tt.message, domainErr.Message)
		})
	}

	records, err := h.service.List(context.Background(), caller, store.TypeAnalysis, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUpdateProposalRunsAfterStatusWrite(t *testing.T) {
	h := newHarness(t)
	rec := h.generatedProposal(t)

	release := make(chan struct{})
	var seen struct {
		current, instructions, newText string
	}
	h.engine.updateFn = func(_ context.Context, current, instructions, newText string) (string, error) {
		seen.current, seen.instructions, seen.newText = current, instructions, newText
		<-release
		return "# Proposal\n\nDraft two", nil
	}

	updating, err := h.service.UpdateProposal(context.Background(), caller, rec.ID, "make it shorter",
		&Upload{FileName: "more.txt", Data: []byte("Client added: needs a blog too")})
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, updating.Status)

	_, err = h.service.UpdateProposal(context.Background(), caller, rec.ID, "again", nil)
	assert.ErrorIs(t, err, worker.ErrBusy)
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", code)

	close(release)
	done := h.waitFor(t, rec.ID, store.StatusCompleted)
	assert.Equal(t, "# Proposal\n\nDraft one", seen.current)
	assert.Equal(t, "make it shorter", seen.instructions)
	assert.Equal(t, "Client added: needs a blog too", seen.newText)

	assert.Equal(t, []string{"# Proposal\n\nDraft one", "# Proposal\n\nDraft two"}, historyContents(done.History))
	assert.Equal(t, 1, done.CurrentVersionIndex)
	assert.Equal(t, []string{"Generate proposal (version 1)", "AI update (version 2)"}, h.archive.snapshotMessages())
	assert.Equal(t, 1, h.notifier.count(), "updates do not send completion mail")
}

func TestUpdateProposalRejectedBeforeGeneration(t *testing.T) {
	h := newHarness(t)
	h.engine.generateFn = func(context.Context, string) (engine.Proposal, error) {
		return engine.Proposal{}, errors.New("AI proposal generation failed: boom")
	}
	rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{Kind: "from_text", Text: "some chat"})
	require.NoError(t, err)
	h.waitFor(t, rec.ID, store.StatusFailed)

	_, err = h.service.UpdateProposal(context.Background(), caller, rec.ID, "shorter", nil)
	require.True(t, docstore.IsValidation(err))
	_, _, message, _ := mapError(err)
	assert.Equal(t, "Proposal has not been generated yet", message)

	require.Eventually(t, func() bool { return !h.dispatcher.Busy(rec.ID) }, time.Second, 5*time.Millisecond)
	after, err := h.repo.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, after.Status)
}

func TestUpdateProposalRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	rec := h.generatedProposal(t)

	_, err := h.service.UpdateProposal(context.Background(), caller, rec.ID, "  ", nil)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "user_changes is required", domainErr.Message)

	_, err = h.service.UpdateProposal(context.Background(), caller, rec.ID, "shorter", &Upload{FileName: "bin.txt", Data: []byte{0, 1, 2}})
	assert.Equal(t, extract.KindUndecodableBytes, extract.KindOf(err))
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "EXTRACTION_FAILED", code)
	assert.False(t, h.dispatcher.Busy(rec.ID))
}

func TestRestoreAndSaveArchiveSnapshots(t *testing.T) {
	h := newHarness(t)
	rec := h.generatedProposal(t)

	saved, err := h.service.Save(context.Background(), caller, rec.ID, "# Proposal\n\nEdited by hand")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.CurrentVersionIndex)

	restored, err := h.service.Restore(context.Background(), caller, rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "# Proposal\n\nDraft one", restored.Content())
	assert.Len(t, restored.History, 2)

	_, err = h.service.Restore(context.Background(), caller, rec.ID, 5)
	_, _, message, _ := mapError(err)
	assert.Equal(t, "Invalid version index", message)

	history, err := h.service.History(context.Background(), caller, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, history.TotalVersions)
	assert.Equal(t, 0, history.CurrentVersionIndex)

	assert.Equal(t, []string{
		"Generate proposal (version 1)",
		"Manual edit (version 2)",
		"Restore version 1",
	}, h.archive.snapshotMessages())

	commits, err := h.service.Commits(context.Background(), caller, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "Restore version 1", commits[0].Message)

	content, err := h.service.CommitContent(context.Background(), caller, rec.ID, commits[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, "# Proposal\n\nEdited by hand", content)

	_, err = h.service.CommitContent(context.Background(), caller, rec.ID, "ffffff0")
	status, _, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUploadURL(t *testing.T) {
	h := newHarness(t)
	rec, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{
		Kind:       "client_chat_import",
		ClientName: "Acme",
		File:       &Upload{FileName: "chat.txt", Data: []byte("Can you start Monday?")},
	})
	require.NoError(t, err)
	h.waitFor(t, rec.ID, store.StatusCompleted)

	link, ttl, err := h.service.UploadURL(context.Background(), caller, store.TypeAnalysis, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.test/uploads/user-1/chat.txt?ttl=900", link)
	assert.Equal(t, 15*time.Minute, ttl)

	pasted, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{Kind: "text", Text: "pasted brief"})
	require.NoError(t, err)
	h.waitFor(t, pasted.ID, store.StatusCompleted)
	_, _, err = h.service.UploadURL(context.Background(), caller, store.TypeAnalysis, pasted.ID)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "No stored upload for this record", domainErr.Message)
}

func TestTypedAccessAndOwnership(t *testing.T) {
	h := newHarness(t)
	rec := h.generatedProposal(t)

	_, err := h.service.Get(context.Background(), caller, store.TypeAnalysis, rec.ID)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, http.StatusNotFound, domainErr.Status)
	assert.Equal(t, "Risk analysis not found", domainErr.Message)

	stranger := auth.Claims{UID: "user-2"}
	_, err = h.service.Get(context.Background(), stranger, store.TypeProposal, rec.ID)
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "Proposal not found", domainErr.Message)

	_, err = h.service.Save(context.Background(), stranger, rec.ID, "mine now")
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, http.StatusNotFound, domainErr.Status)
}

func TestDeleteCleansUpArchiveAndUpload(t *testing.T) {
	h := newHarness(t)
	rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{
		Kind:       "from_chat",
		ClientName: "Acme",
		File:       &Upload{FileName: "chat.txt", Data: []byte("We need a new site")},
	})
	require.NoError(t, err)
	h.waitFor(t, rec.ID, store.StatusCompleted)

	require.NoError(t, h.service.Delete(context.Background(), caller, store.TypeProposal, rec.ID))
	_, err = h.repo.FindByID(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{rec.ID}, h.archive.removed)
	assert.Equal(t, []string{"uploads/user-1/chat.txt"}, h.blobs.deleted)

	err = h.service.Delete(context.Background(), caller, store.TypeProposal, rec.ID)
	status, _, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCrossGeneration(t *testing.T) {
	h := newHarness(t)
	analysis, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{Kind: "text", Text: "Client chat about a mobile app"})
	require.NoError(t, err)
	h.waitFor(t, analysis.ID, store.StatusCompleted)

	proposal, err := h.service.GenerateProposalFromAnalysis(context.Background(), caller, analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TypeProposal, proposal.Type)
	assert.Equal(t, store.KindFromChat, proposal.Kind)
	assert.Equal(t, "Untitled Proposal", proposal.ClientLabel)
	assert.Equal(t, "from_risk_analysis", proposal.Input.FileName)
	assert.Equal(t, "Client chat about a mobile app", proposal.Input.ChatContent)
	h.waitFor(t, proposal.ID, store.StatusCompleted)

	report, err := h.service.GenerateRiskReportFromProposal(context.Background(), caller, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.KindClientChatImport, report.Kind)
	assert.Equal(t, "Untitled Proposal", report.ClientLabel)
	assert.Equal(t, "from_risk_analysis", report.Input.FileName)
	h.waitFor(t, report.ID, store.StatusCompleted)
}

func TestCrossGenerationRequiresChatContent(t *testing.T) {
	h := newHarness(t)
	rec, err := h.service.CreateAnalysis(context.Background(), caller, CreateInput{
		Kind:       "client_chat_import",
		ClientName: "Acme",
		File:       &Upload{FileName: "chat.txt"},
	})
	require.NoError(t, err)

	_, err = h.service.GenerateProposalFromAnalysis(context.Background(), caller, rec.ID)
	_, _, message, _ := mapError(err)
	assert.Equal(t, "Risk analysis does not have chat content. Cannot generate proposal.", message)
}

func TestUnscheduledRecordIsFailed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dispatcher.Close(context.Background()))

	rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{Kind: "from_text", Text: "chat"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.Result.Error, "could not schedule generate")
}

func TestListAndSearchScopedToOwner(t *testing.T) {
	h := newHarness(t)
	rec := h.generatedProposal(t)
	other := auth.Claims{UID: "user-2"}
	_, err := h.service.CreateProposal(context.Background(), other, CreateInput{Kind: "from_text", Text: "landing page for someone else"})
	require.NoError(t, err)

	records, err := h.service.List(context.Background(), caller, store.TypeProposal, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)

	_, err = h.service.List(context.Background(), caller, store.TypeProposal, 500, 0)
	assert.Error(t, err)

	resp, err := h.service.Search(context.Background(), caller, "landing", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, rec.ID, resp.Results[0].ID)

	_, err = h.service.Search(context.Background(), caller, "landing", "contract", 0, 0)
	assert.Error(t, err)
}

func historyContents(history []store.HistoryEntry) []string {
	out := make([]string, len(history))
	for i, entry := range history {
		out[i] = entry.Content
	}
	return out
}

// recordingIndex keeps the last document status written per record, in
// call order.
type recordingIndex struct {
	mu   sync.Mutex
	last map[string]store.Status
}

func (r *recordingIndex) Search(context.Context, search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}

func (r *recordingIndex) Index(rec store.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = map[string]store.Status{}
	}
	r.last[rec.ID] = rec.Status
}

func (r *recordingIndex) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, id)
}

func (r *recordingIndex) status(id string) store.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[id]
}

func TestSearchIndexEndsWithFinishedRecord(t *testing.T) {
	h := newHarness(t)
	index := &recordingIndex{}
	h.service.search = index

	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		rec, err := h.service.CreateProposal(context.Background(), caller, CreateInput{
			Kind:       "from_text",
			ClientName: "Acme",
			Text:       fmt.Sprintf("Brief number %d", i),
		})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		h.waitFor(t, id, store.StatusCompleted)
		assert.Equal(t, store.StatusCompleted, index.status(id), "record %s", id)
	}

	_, err := h.service.UpdateProposal(context.Background(), caller, ids[0], "add a timeline", nil)
	require.NoError(t, err)
	h.waitFor(t, ids[0], store.StatusCompleted)
	assert.Equal(t, store.StatusCompleted, index.status(ids[0]))
}
