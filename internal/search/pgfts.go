package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"freely/api/internal/store"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search matches the generated records.fts column with plainto_tsquery and
// ranks by ts_rank. Snippets come from ts_headline over the proposal text,
// or the chat transcript for analyses.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return []Result{}, 0, nil
	}
	q = normalise(q)

	const tsQuery = "plainto_tsquery('english', $1)"
	where := "r.fts @@ " + tsQuery + " AND r.owner_id = $2"
	args := []any{q.Text, q.OwnerID}
	if q.Type != "" {
		args = append(args, string(q.Type))
		where += fmt.Sprintf(" AND r.record_type = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM records r WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT r.record_type, r.id, r.client_label,
			ts_headline('english',
				coalesce(nullif(r.result ->> 'formatted_proposal', ''), r.input ->> 'chat_content', ''),
				%s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			r.kind, r.status
		FROM records r
		WHERE %s
		ORDER BY ts_rank(r.fts, %s) DESC, r.updated_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		var (
			r                 Result
			typ, kind, status string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &kind, &status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = store.RecordType(typ)
		r.Kind = store.Kind(kind)
		r.Status = store.Status(status)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every record as an index document, for a full
// Meilisearch rebuild.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, record_type, kind, status, client_label,
			coalesce(result ->> 'formatted_proposal', ''),
			coalesce(input ->> 'chat_content', ''),
			updated_at
		FROM records
	`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var rec store.Record
		var typ, kind, status, content string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &typ, &kind, &status, &rec.ClientLabel,
			&content, &rec.Input.ChatContent, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Type = store.RecordType(typ)
		rec.Kind = store.Kind(kind)
		rec.Status = store.Status(status)
		if content != "" {
			rec.Result = &store.Result{Content: content}
		}
		docs = append(docs, DocumentFromRecord(rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return docs, nil
}
