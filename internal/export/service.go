package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"go.uber.org/zap"

	"freely/api/internal/store"
)

// Loader returns an owner-scoped record.
type Loader interface {
	Get(ctx context.Context, ownerID, id string) (store.Record, error)
}

// Renderer turns a rendered HTML page into an output file.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	loader    Loader
	renderers map[Format]Renderer
	logger    *zap.Logger
}

type Option func(*Service)

// WithRenderer replaces the renderer used for format.
func WithRenderer(format Format, r Renderer) Option {
	return func(s *Service) { s.renderers[format] = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(loader Loader, opts ...Option) *Service {
	s := &Service{
		loader: loader,
		renderers: map[Format]Renderer{
			FormatPDF:  renderPDF,
			FormatDOCX: renderDOCX,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export renders one version of a proposal in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	render, ok := s.renderers[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	rec, err := s.loader.Get(ctx, req.OwnerID, req.RecordID)
	if err != nil {
		return nil, err
	}
	data, err := templateDataFor(rec, req.Version)
	if err != nil {
		return nil, err
	}

	page, err := RenderProposalHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	out, err := render(ctx, page, data.Title)
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal exported",
		zap.String("record_id", rec.ID),
		zap.String("format", string(req.Format)),
		zap.Int("version", data.Version),
		zap.Int("bytes", len(out.Data)),
	)
	return out, nil
}

func templateDataFor(rec store.Record, version *int) (TemplateData, error) {
	if rec.Type != store.TypeProposal || rec.Content() == "" {
		return TemplateData{}, ErrContentUnavailable
	}

	content := rec.Content()
	number := len(rec.History)
	updatedAt := rec.UpdatedAt
	switch {
	case version != nil:
		if *version < 0 || *version >= len(rec.History) {
			return TemplateData{}, ErrVersionOutOfRange
		}
		entry := rec.History[*version]
		content, number, updatedAt = entry.Content, entry.Version, entry.Timestamp
	case rec.CurrentVersionIndex >= 0 && rec.CurrentVersionIndex < len(rec.History):
		entry := rec.History[rec.CurrentVersionIndex]
		number, updatedAt = entry.Version, entry.Timestamp
	}

	body, err := ProposalToHTML(content)
	if err != nil {
		return TemplateData{}, err
	}

	title := "Proposal"
	if label := strings.TrimSpace(rec.ClientLabel); label != "" {
		title = "Proposal for " + label
	}
	return TemplateData{
		Title:         title,
		ClientName:    strings.TrimSpace(rec.ClientLabel),
		Version:       max(number, 1),
		TotalVersions: max(len(rec.History), 1),
		UpdatedAt:     updatedAt,
		ContentHTML:   template.HTML(body),
	}, nil
}
