package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"freely/api/internal/auth"
	"freely/api/internal/docstore"
	"freely/api/internal/email"
	"freely/api/internal/engine"
	"freely/api/internal/export"
	"freely/api/internal/extract"
	"freely/api/internal/gitrepo"
	"freely/api/internal/search"
	"freely/api/internal/store"
	"freely/api/internal/worker"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	uploadLinkTTL = 15 * time.Minute
)

// Dispatcher runs background work with at most one task per record.
type Dispatcher interface {
	Submit(ctx context.Context, id string, task worker.Task) error
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	Index(rec store.Record)
	Delete(id string)
}

type Archiver interface {
	Snapshot(recordID, content, author, message string) (gitrepo.Commit, bool, error)
	Log(recordID string, limit int) ([]gitrepo.Commit, error)
	ContentAt(recordID, hash string) (string, error)
	Remove(recordID string) error
}

type Blobs interface {
	Put(ctx context.Context, ownerID, fileName, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Notifier interface {
	IsConfigured() bool
	SendCompletion(to string, c email.Completion) error
}

// Recorder receives record lifecycle counters.
type Recorder interface {
	RecordCreated(recordType, kind string)
	RecordFinished(operation, status string)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Deps wires the service. Repository, Engine and Dispatcher are required;
// everything else is optional and skipped when nil.
type Deps struct {
	Repository store.Repository
	Engine     engine.Engine
	Dispatcher Dispatcher
	Search     SearchIndex
	Archive    Archiver
	Blobs      Blobs
	Notifier   Notifier
	Metrics    Recorder
	Exporter   Exporter
	Logger     *zap.Logger
}

type Service struct {
	repo       store.Repository
	docs       *docstore.Store
	engine     engine.Engine
	extractor  *extract.Extractor
	dispatcher Dispatcher
	search     SearchIndex
	archive    Archiver
	blobs      Blobs
	notifier   Notifier
	metrics    Recorder
	exporter   Exporter
	logger     *zap.Logger
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	docs := docstore.New(deps.Repository, docstore.WithLogger(logger))
	s := &Service{
		repo:       deps.Repository,
		docs:       docs,
		engine:     deps.Engine,
		extractor:  extract.NewExtractor(),
		dispatcher: deps.Dispatcher,
		search:     deps.Search,
		archive:    deps.Archive,
		blobs:      deps.Blobs,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		exporter:   deps.Exporter,
		logger:     logger,
	}
	if s.search == nil {
		s.search = search.NewService(nil, nil, search.NewScan(deps.Repository), logger)
	}
	if s.exporter == nil {
		s.exporter = export.NewService(docs, export.WithLogger(logger))
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Upload is a file received with a multipart request.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

type CreateInput struct {
	Kind       string
	ClientName string
	Text       string
	File       *Upload
}

var (
	analysisKinds = []store.Kind{store.KindClientChatImport, store.KindJobProposal, store.KindText}
	proposalKinds = []store.Kind{store.KindFromChat, store.KindFromText}
)

func (s *Service) CreateAnalysis(ctx context.Context, caller auth.Claims, in CreateInput) (store.Record, error) {
	return s.create(ctx, caller, store.TypeAnalysis, in)
}

func (s *Service) CreateProposal(ctx context.Context, caller auth.Claims, in CreateInput) (store.Record, error) {
	return s.create(ctx, caller, store.TypeProposal, in)
}

func (s *Service) create(ctx context.Context, caller auth.Claims, recordType store.RecordType, in CreateInput) (store.Record, error) {
	kind, err := parseKind(recordType, in.Kind)
	if err != nil {
		return store.Record{}, err
	}
	clientName := strings.TrimSpace(in.ClientName)
	if chatKind(kind) {
		if clientName == "" {
			return store.Record{}, badRequest(fmt.Sprintf("client_name is required for %s", kind))
		}
		if in.File == nil {
			return store.Record{}, badRequest(fmt.Sprintf("chat_file is required for %s", kind))
		}
	} else if in.File == nil && strings.TrimSpace(in.Text) == "" {
		return store.Record{}, badRequest(fmt.Sprintf("text or chat_file is required for %s", kind))
	}

	var (
		input      store.Input
		text       string
		extractErr error
	)
	if in.File != nil {
		ext := extract.Ext(in.File.FileName)
		if err := rejectUpload(ext); err != nil {
			return store.Record{}, err
		}
		text, extractErr = s.extractor.Extract(in.File.Data, ext)
		input = store.Input{
			FileName:       in.File.FileName,
			FileSize:       int64(len(in.File.Data)),
			FileType:       firstNonEmpty(in.File.ContentType, "unknown"),
			ChatContent:    text,
			HasFullContent: extractErr == nil,
		}
		input.StorageKey = s.storeUpload(ctx, caller.UID, in.File)
	} else {
		text = in.Text
		input = store.Input{
			FileSize:       int64(len(text)),
			FileType:       "text/plain",
			ChatContent:    text,
			HasFullContent: true,
		}
	}

	rec, err := s.docs.Create(ctx, docstore.NewRecord{
		OwnerID:     caller.UID,
		OwnerEmail:  verifiedEmail(caller),
		Type:        recordType,
		Kind:        kind,
		ClientLabel: clientName,
		Input:       input,
		Text:        text,
		ExtractErr:  extractErr,
	})
	if err != nil {
		return store.Record{}, err
	}
	return s.started(ctx, caller, rec, text), nil
}

// GenerateProposalFromAnalysis starts a from_chat proposal built from the
// chat content of an existing analysis.
func (s *Service) GenerateProposalFromAnalysis(ctx context.Context, caller auth.Claims, analysisID string) (store.Record, error) {
	analysis, err := s.getTyped(ctx, caller, store.TypeAnalysis, analysisID)
	if err != nil {
		return store.Record{}, err
	}
	chat := analysis.Input.ChatContent
	if strings.TrimSpace(chat) == "" {
		return store.Record{}, badRequest("Risk analysis does not have chat content. Cannot generate proposal.")
	}
	return s.derive(ctx, caller, analysis, store.TypeProposal, store.KindFromChat, "Untitled Proposal", "from_risk_analysis")
}

// GenerateRiskReportFromProposal starts a client_chat_import analysis built
// from the chat content of an existing proposal.
func (s *Service) GenerateRiskReportFromProposal(ctx context.Context, caller auth.Claims, proposalID string) (store.Record, error) {
	proposal, err := s.getTyped(ctx, caller, store.TypeProposal, proposalID)
	if err != nil {
		return store.Record{}, err
	}
	if strings.TrimSpace(proposal.Input.ChatContent) == "" {
		return store.Record{}, badRequest("Proposal does not have chat content. Cannot generate risk report.")
	}
	return s.derive(ctx, caller, proposal, store.TypeAnalysis, store.KindClientChatImport, "Untitled Analysis", "from_proposal")
}

func (s *Service) derive(ctx context.Context, caller auth.Claims, source store.Record, recordType store.RecordType, kind store.Kind, defaultLabel, defaultFile string) (store.Record, error) {
	chat := source.Input.ChatContent
	rec, err := s.docs.Create(ctx, docstore.NewRecord{
		OwnerID:     caller.UID,
		OwnerEmail:  verifiedEmail(caller),
		Type:        recordType,
		Kind:        kind,
		ClientLabel: firstNonEmpty(source.ClientLabel, defaultLabel),
		Input: store.Input{
			FileName:       firstNonEmpty(source.Input.FileName, defaultFile),
			FileSize:       int64(len(chat)),
			FileType:       firstNonEmpty(source.Input.FileType, "text/plain"),
			ChatContent:    chat,
			HasFullContent: true,
		},
		Text: chat,
	})
	if err != nil {
		return store.Record{}, err
	}
	return s.started(ctx, caller, rec, chat), nil
}

// started indexes a freshly created record and, when it is processing,
// hands it to the dispatcher. A record that cannot be scheduled is failed
// right away so it never stays processing without a task.
func (s *Service) started(ctx context.Context, caller auth.Claims, rec store.Record, text string) store.Record {
	if s.metrics != nil {
		s.metrics.RecordCreated(string(rec.Type), string(rec.Kind))
	}
	if rec.Status != store.StatusProcessing {
		s.search.Index(rec)
		return rec
	}

	op := docstore.OpAnalysis
	run := func(ctx context.Context) docstore.Outcome {
		data, err := s.engine.RiskAnalysis(ctx, text)
		return docstore.Outcome{Op: docstore.OpAnalysis, Data: data, Err: err}
	}
	if rec.Type == store.TypeProposal {
		op = docstore.OpGenerate
		run = func(ctx context.Context) docstore.Outcome {
			proposal, err := s.engine.GenerateProposal(ctx, text)
			return docstore.Outcome{Op: docstore.OpGenerate, Content: proposal.Content, Data: proposal.Data, Err: err}
		}
	}

	// Indexed before the task exists so the completed document always
	// follows the processing one.
	s.search.Index(rec)
	err := s.dispatcher.Submit(ctx, rec.ID, func(ctx context.Context) {
		s.complete(ctx, caller, rec.ID, run(ctx))
	})
	if err != nil {
		s.logger.Error("schedule background work", zap.String("record_id", rec.ID), zap.String("operation", string(op)), zap.Error(err))
		failed, _, ferr := s.docs.Finalize(ctx, rec.ID, docstore.Outcome{Op: op, Err: fmt.Errorf("could not schedule %s: %w", op, err)})
		if ferr != nil {
			s.logger.Error("fail unscheduled record", zap.String("record_id", rec.ID), zap.Error(ferr))
			return rec
		}
		rec = failed
		s.search.Index(rec)
	}
	return rec
}

// complete runs on the dispatcher once the engine has answered. Failures
// here are logged; there is no caller left to report them to.
func (s *Service) complete(ctx context.Context, caller auth.Claims, id string, out docstore.Outcome) {
	rec, applied, err := s.docs.Finalize(ctx, id, out)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.logger.Info("record deleted before completion", zap.String("record_id", id))
			return
		}
		s.logger.Error("finalize record", zap.String("record_id", id), zap.String("operation", string(out.Op)), zap.Error(err))
		return
	}
	if !applied {
		s.logger.Debug("finalize skipped, record not processing", zap.String("record_id", id), zap.String("status", string(rec.Status)))
		return
	}
	if out.Err != nil {
		s.logger.Warn("background operation failed",
			zap.String("record_id", id),
			zap.String("operation", string(out.Op)),
			zap.String("engine_error", string(engine.KindOf(out.Err))),
			zap.Error(out.Err),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordFinished(string(out.Op), string(rec.Status))
	}
	s.search.Index(rec)

	if rec.Type == store.TypeProposal && rec.Status == store.StatusCompleted {
		message := fmt.Sprintf("AI update (version %d)", currentVersion(rec))
		if out.Op == docstore.OpGenerate {
			message = "Generate proposal (version 1)"
		}
		s.snapshot(rec, caller, message)
	}
	if out.Op != docstore.OpUpdate {
		s.notify(rec, caller)
	}
}

func (s *Service) List(ctx context.Context, caller auth.Claims, recordType store.RecordType, limit, skip int) ([]store.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit < 1 || limit > maxListLimit {
		return nil, badRequest(fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
	}
	if skip < 0 {
		return nil, badRequest("skip must not be negative")
	}
	records, err := s.repo.ListByOwner(ctx, store.ListOptions{
		OwnerID: caller.UID,
		Type:    recordType,
		Limit:   limit,
		Skip:    skip,
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if records == nil {
		records = []store.Record{}
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, caller auth.Claims, recordType store.RecordType, id string) (store.Record, error) {
	return s.getTyped(ctx, caller, recordType, id)
}

func (s *Service) Delete(ctx context.Context, caller auth.Claims, recordType store.RecordType, id string) error {
	rec, err := s.getTyped(ctx, caller, recordType, id)
	if err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, caller.UID, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return notFound(recordType)
		}
		return err
	}
	s.search.Delete(id)
	if s.archive != nil && rec.Type == store.TypeProposal {
		if err := s.archive.Remove(id); err != nil {
			s.logger.Warn("remove proposal archive", zap.String("record_id", id), zap.Error(err))
		}
	}
	if s.blobs != nil && rec.Input.StorageKey != "" {
		if err := s.blobs.Delete(ctx, rec.Input.StorageKey); err != nil {
			s.logger.Warn("delete uploaded file", zap.String("record_id", id), zap.String("key", rec.Input.StorageKey), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) History(ctx context.Context, caller auth.Claims, id string) (docstore.History, error) {
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return docstore.History{}, err
	}
	history, err := s.docs.History(ctx, caller.UID, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.History{}, notFound(store.TypeProposal)
	}
	return history, err
}

func (s *Service) Restore(ctx context.Context, caller auth.Claims, id string, version int) (store.Record, error) {
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return store.Record{}, err
	}
	rec, err := s.docs.Restore(ctx, caller.UID, id, version)
	if err != nil {
		return store.Record{}, err
	}
	s.search.Index(rec)
	s.snapshot(rec, caller, fmt.Sprintf("Restore version %d", currentVersion(rec)))
	return rec, nil
}

// UpdateProposal moves a generated proposal back to processing and schedules
// the engine rewrite. The task is submitted before the status write so a
// busy record is rejected without touching it; the task waits until the
// write has happened and is told to stop if it failed.
func (s *Service) UpdateProposal(ctx context.Context, caller auth.Claims, id, instructions string, file *Upload) (store.Record, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return store.Record{}, badRequest("user_changes is required")
	}
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return store.Record{}, err
	}

	var newText string
	if file != nil {
		ext := extract.Ext(file.FileName)
		if err := rejectUpload(ext); err != nil {
			return store.Record{}, err
		}
		text, err := s.extractor.Extract(file.Data, ext)
		if err != nil {
			return store.Record{}, err
		}
		if strings.TrimSpace(text) == "" {
			return store.Record{}, &extract.ExtractionError{Kind: extract.KindUndecodableBytes, Ext: ext}
		}
		newText = text
	}

	start := make(chan *store.Record, 1)
	err := s.dispatcher.Submit(ctx, id, func(ctx context.Context) {
		rec := <-start
		if rec == nil {
			return
		}
		content, err := s.engine.UpdateProposal(ctx, rec.Content(), instructions, newText)
		s.complete(ctx, caller, id, docstore.Outcome{Op: docstore.OpUpdate, Content: content, Err: err})
	})
	if err != nil {
		return store.Record{}, err
	}

	rec, err := s.docs.BeginUpdate(ctx, caller.UID, id)
	if err != nil {
		start <- nil
		return store.Record{}, err
	}
	s.search.Index(rec)
	start <- &rec
	return rec, nil
}

func (s *Service) Save(ctx context.Context, caller auth.Claims, id, content string) (store.Record, error) {
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return store.Record{}, err
	}
	rec, err := s.docs.Save(ctx, caller.UID, id, content)
	if err != nil {
		return store.Record{}, err
	}
	s.search.Index(rec)
	s.snapshot(rec, caller, fmt.Sprintf("Manual edit (version %d)", currentVersion(rec)))
	return rec, nil
}

func (s *Service) Export(ctx context.Context, caller auth.Claims, id, format string, version *int) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		OwnerID:  caller.UID,
		RecordID: id,
		Version:  version,
		Format:   parsed,
	})
}

// Commits lists the archived snapshots of a proposal, newest first.
func (s *Service) Commits(ctx context.Context, caller auth.Claims, id string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []gitrepo.Commit{}, nil
	}
	commits, err := s.archive.Log(id, limit)
	if errors.Is(err, gitrepo.ErrNoArchive) {
		return []gitrepo.Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return commits, nil
}

// CommitContent returns the proposal text archived at hash.
func (s *Service) CommitContent(ctx context.Context, caller auth.Claims, id, hash string) (string, error) {
	if _, err := s.getTyped(ctx, caller, store.TypeProposal, id); err != nil {
		return "", err
	}
	if s.archive == nil {
		return "", gitrepo.ErrNoArchive
	}
	return s.archive.ContentAt(id, hash)
}

// UploadURL returns a short-lived download link for the file a record was
// created from.
func (s *Service) UploadURL(ctx context.Context, caller auth.Claims, recordType store.RecordType, id string) (string, time.Duration, error) {
	rec, err := s.getTyped(ctx, caller, recordType, id)
	if err != nil {
		return "", 0, err
	}
	if s.blobs == nil || rec.Input.StorageKey == "" {
		return "", 0, domainError(http.StatusNotFound, "NOT_FOUND", "No stored upload for this record", nil)
	}
	link, err := s.blobs.PresignedURL(ctx, rec.Input.StorageKey, uploadLinkTTL)
	if err != nil {
		return "", 0, err
	}
	return link, uploadLinkTTL, nil
}

func (s *Service) Search(ctx context.Context, caller auth.Claims, text, recordType string, limit, offset int) (search.Response, error) {
	q := search.Query{
		Text:    text,
		OwnerID: caller.UID,
		Limit:   limit,
		Offset:  offset,
	}
	switch store.RecordType(recordType) {
	case "":
	case store.TypeAnalysis, store.TypeProposal:
		q.Type = store.RecordType(recordType)
	default:
		return search.Response{}, badRequest("type must be analysis or proposal")
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) getTyped(ctx context.Context, caller auth.Claims, recordType store.RecordType, id string) (store.Record, error) {
	rec, err := s.docs.Get(ctx, caller.UID, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return store.Record{}, notFound(recordType)
	}
	if err != nil {
		return store.Record{}, err
	}
	if rec.Type != recordType {
		return store.Record{}, notFound(recordType)
	}
	return rec, nil
}

func (s *Service) storeUpload(ctx context.Context, ownerID string, file *Upload) string {
	if s.blobs == nil {
		return ""
	}
	key, err := s.blobs.Put(ctx, ownerID, file.FileName, file.ContentType, file.Data)
	if err != nil {
		s.logger.Warn("store uploaded file", zap.String("file_name", file.FileName), zap.Error(err))
		return ""
	}
	return key
}

func (s *Service) snapshot(rec store.Record, caller auth.Claims, message string) {
	if s.archive == nil || rec.Content() == "" {
		return
	}
	author := firstNonEmpty(caller.Name, caller.Email, "Freely")
	if _, _, err := s.archive.Snapshot(rec.ID, rec.Content(), author, message); err != nil {
		s.logger.Warn("archive proposal snapshot", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (s *Service) notify(rec store.Record, caller auth.Claims) {
	if s.notifier == nil || !s.notifier.IsConfigured() || rec.OwnerEmail == "" {
		return
	}
	completion := email.Completion{
		UserName:   caller.Name,
		RecordType: string(rec.Type),
		ClientName: rec.ClientLabel,
		Succeeded:  rec.Status == store.StatusCompleted,
	}
	if rec.Result != nil {
		completion.Error = rec.Result.Error
	}
	if err := s.notifier.SendCompletion(rec.OwnerEmail, completion); err != nil {
		s.logger.Warn("send completion email", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func parseKind(recordType store.RecordType, raw string) (store.Kind, error) {
	valid, field := analysisKinds, "analysis_type"
	if recordType == store.TypeProposal {
		valid, field = proposalKinds, "proposal_type"
	}
	names := make([]string, 0, len(valid))
	for _, kind := range valid {
		if string(kind) == raw {
			return kind, nil
		}
		names = append(names, string(kind))
	}
	return "", badRequest(fmt.Sprintf("Invalid %s. Must be one of: %s", field, strings.Join(names, ", ")))
}

func chatKind(kind store.Kind) bool {
	return kind == store.KindClientChatImport || kind == store.KindFromChat
}

func rejectUpload(ext string) error {
	if !extract.Rejected(ext) {
		return nil
	}
	if ext == ".pdf" {
		return badRequest("PDF files are not supported. Please upload a text document (.txt, .docx, .csv).")
	}
	return badRequest("Old .doc files are not supported. Please convert to .docx or upload as .txt file.")
}

func notFound(recordType store.RecordType) *DomainError {
	message := "Proposal not found"
	if recordType == store.TypeAnalysis {
		message = "Risk analysis not found"
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

// verifiedEmail is the address completion mail may go to.
func verifiedEmail(caller auth.Claims) string {
	if !caller.EmailVerified {
		return ""
	}
	return caller.Email
}

func currentVersion(rec store.Record) int {
	if rec.CurrentVersionIndex < 0 || rec.CurrentVersionIndex >= len(rec.History) {
		return 0
	}
	return rec.History[rec.CurrentVersionIndex].Version
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
