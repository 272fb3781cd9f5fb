package store

import (
	"encoding/json"
	"time"
)

type RecordType string

const (
	TypeAnalysis RecordType = "analysis"
	TypeProposal RecordType = "proposal"
)

type Kind string

const (
	KindClientChatImport Kind = "client_chat_import"
	KindJobProposal      Kind = "job_proposal"
	KindText             Kind = "text"
	KindFromChat         Kind = "from_chat"
	KindFromText         Kind = "from_text"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no background work is expected for the record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Input is captured once at creation time and never rewritten.
type Input struct {
	FileName       string `json:"file_name,omitempty"`
	FileSize       int64  `json:"file_size"`
	FileType       string `json:"file_type,omitempty"`
	ChatContent    string `json:"chat_content,omitempty"`
	HasFullContent bool   `json:"has_full_content"`
	StorageKey     string `json:"storage_key,omitempty"`
}

// Result is the engine output attached to a record. Content mirrors the
// entry at the current version pointer for proposals.
type Result struct {
	Content   string          `json:"formatted_proposal,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

type HistoryEntry struct {
	Content   string    `json:"formatted_proposal"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type Record struct {
	ID                  string         `json:"id"`
	OwnerID             string         `json:"user_id"`
	OwnerEmail          string         `json:"-"`
	Type                RecordType     `json:"type"`
	Kind                Kind           `json:"kind"`
	ClientLabel         string         `json:"client_name,omitempty"`
	Status              Status         `json:"status"`
	Input               Input          `json:"input_data"`
	Result              *Result        `json:"results"`
	History             []HistoryEntry `json:"history"`
	CurrentVersionIndex int            `json:"current_version_index"`
	Revision            int64          `json:"revision"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Content returns the live formatted text, or "" when nothing was generated.
func (r Record) Content() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.Content
}

// Patch lists the fields UpdateFields sets. Nil pointers are left untouched.
// A non-zero ExpectRevision makes the write conditional on the stored
// revision still matching it.
type Patch struct {
	Status              *Status
	Result              *Result
	ClearResult         bool
	History             []HistoryEntry
	SetHistory          bool
	CurrentVersionIndex *int
	UpdatedAt           time.Time
	ExpectRevision      int64
}

type ListOptions struct {
	OwnerID string
	Type    RecordType
	Limit   int
	Skip    int
}

// Apply returns rec with the patch fields written over it, mirroring what
// UpdateFields persists. Revision is bumped.
func (p Patch) Apply(rec Record) Record {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.ClearResult {
		rec.Result = nil
	} else if p.Result != nil {
		rec.Result = cloneResult(p.Result)
	}
	if p.SetHistory {
		rec.History = cloneHistory(p.History)
	}
	if p.CurrentVersionIndex != nil {
		rec.CurrentVersionIndex = *p.CurrentVersionIndex
	}
	rec.UpdatedAt = p.UpdatedAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Revision++
	return rec
}
