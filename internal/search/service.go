package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"freely/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// database searcher (Postgres FTS, or a scan over the in-memory store).
type Service struct {
	meili    *Meili
	sink     indexSink
	fallback Searcher
	pgfts    *PgFTS
	logger   *zap.Logger

	mu     sync.Mutex
	queues map[string]*indexQueue
}

// indexSink receives index writes; *Meili in production.
type indexSink interface {
	Healthy() bool
	IndexRecord(doc Document) error
	DeleteRecord(id string) error
}

// indexQueue holds the newest pending write for one record. Writes for a
// record are pushed one at a time, and a document older than one already
// pending or pushed is dropped.
type indexQueue struct {
	next    *indexOp
	pushed  int64
	running bool
}

type indexOp struct {
	doc    Document
	delete bool
}

// NewService creates a search service. meili and pgfts may be nil.
func NewService(meili *Meili, pgfts *PgFTS, fallback Searcher, logger *zap.Logger) *Service {
	if fallback == nil && pgfts != nil {
		fallback = pgfts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{meili: meili, pgfts: pgfts, fallback: fallback, logger: logger, queues: map[string]*indexQueue{}}
	if meili != nil {
		s.sink = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalise(q)
	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes a record to Meilisearch in the background. The database
// fallbacks read live rows and need no indexing.
func (s *Service) Index(rec store.Record) {
	if !s.sinkReady() {
		return
	}
	s.enqueue(rec.ID, &indexOp{doc: DocumentFromRecord(rec)})
}

func (s *Service) Delete(id string) {
	if !s.sinkReady() {
		return
	}
	s.enqueue(id, &indexOp{doc: Document{ID: id}, delete: true})
}

func (s *Service) enqueue(id string, op *indexOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		q = &indexQueue{}
		s.queues[id] = q
	}
	if !op.delete {
		if op.doc.Revision < q.pushed {
			return
		}
		if q.next != nil && (q.next.delete || op.doc.Revision < q.next.doc.Revision) {
			return
		}
	}
	q.next = op
	if !q.running {
		q.running = true
		go s.drain(id, q)
	}
}

// drain pushes the pending write for id until none is left, then forgets
// the record.
func (s *Service) drain(id string, q *indexQueue) {
	for {
		s.mu.Lock()
		op := q.next
		if op == nil {
			q.running = false
			delete(s.queues, id)
			s.mu.Unlock()
			return
		}
		q.next = nil
		s.mu.Unlock()

		if op.delete {
			if err := s.sink.DeleteRecord(id); err != nil {
				s.logger.Warn("delete record from index", zap.String("record_id", id), zap.Error(err))
			}
			continue
		}
		if err := s.sink.IndexRecord(op.doc); err != nil {
			s.logger.Warn("index record", zap.String("record_id", id), zap.Error(err))
			continue
		}
		s.mu.Lock()
		q.pushed = op.doc.Revision
		s.mu.Unlock()
	}
}

// ReindexAllFromPG reads every record from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	docs, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexRecords(docs); err != nil {
		s.logger.Error("reindex records", zap.Int("count", len(docs)), zap.Error(err))
		return
	}
	s.logger.Info("search index rebuilt", zap.Int("count", len(docs)))
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func (s *Service) sinkReady() bool {
	return s.sink != nil && s.sink.Healthy()
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
