package search

import (
	"context"
	"time"

	"freely/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    store.RecordType `json:"type"`
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Snippet string           `json:"snippet"`
	Kind    store.Kind       `json:"kind"`
	Status  store.Status     `json:"status"`
}

// Query describes a search request. OwnerID is mandatory: results never
// cross owners.
type Query struct {
	Text    string
	OwnerID string
	Type    store.RecordType // empty = analyses and proposals
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Document is what gets indexed for one record.
type Document struct {
	ID         string `json:"id"`
	OwnerID    string `json:"ownerId"`
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ClientName string `json:"clientName"`
	Content    string `json:"content"`
	Chat       string `json:"chat"`
	UpdatedAt  int64  `json:"updatedAt"`
	Revision   int64  `json:"revision"`
}

// maxIndexedChat caps how much of a transcript is pushed to the index.
const maxIndexedChat = 20000

func DocumentFromRecord(rec store.Record) Document {
	chat := rec.Input.ChatContent
	if len(chat) > maxIndexedChat {
		chat = chat[:maxIndexedChat]
	}
	return Document{
		ID:         rec.ID,
		OwnerID:    rec.OwnerID,
		Type:       string(rec.Type),
		Kind:       string(rec.Kind),
		Status:     string(rec.Status),
		ClientName: rec.ClientLabel,
		Content:    rec.Content(),
		Chat:       chat,
		UpdatedAt:  rec.UpdatedAt.UTC().Truncate(time.Second).Unix(),
		Revision:   rec.Revision,
	}
}

func normalise(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
