package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const minAmbiguityItemLen = 20

var recommendations = map[string]bool{
	"ACCEPT":               true,
	"PROCEED WITH CAUTION": true,
	"DECLINE":              true,
	"RENEGOTIATE":          true,
}

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	_ = payloadValidate.RegisterValidation("recommendation", func(fl validator.FieldLevel) bool {
		return recommendations[fl.Field().String()]
	})
}

type riskAssessment struct {
	RiskScore        *int              `json:"risk_score" validate:"required,min=1,max=10"`
	RiskLevel        string            `json:"risk_level" validate:"required,oneof=GREEN YELLOW RED"`
	RiskMeter        *string           `json:"risk_meter" validate:"required"`
	ExecutiveSummary *string           `json:"executive_summary" validate:"required"`
	Pros             []json.RawMessage `json:"pros" validate:"required"`
	Cons             []json.RawMessage `json:"cons" validate:"required"`
	Recommendation   string            `json:"recommendation" validate:"recommendation"`
}

// riskBand is the level a score must carry.
func riskBand(score int) string {
	switch {
	case score <= 3:
		return "GREEN"
	case score <= 6:
		return "YELLOW"
	default:
		return "RED"
	}
}

// parseRisk decodes and validates a risk assessment, returning the original
// document so fields the model adds beyond the contract are kept.
func parseRisk(reply string) (json.RawMessage, error) {
	doc, err := extractJSON(reply)
	if err != nil {
		return nil, err
	}
	var risk riskAssessment
	if err := json.Unmarshal([]byte(doc), &risk); err != nil {
		return nil, fmt.Errorf("parse risk analysis: %w", err)
	}
	if err := payloadValidate.Struct(risk); err != nil {
		return nil, fmt.Errorf("invalid risk analysis: %w", err)
	}
	if want := riskBand(*risk.RiskScore); risk.RiskLevel != want {
		return nil, fmt.Errorf("risk level should be %s for score %d", want, *risk.RiskScore)
	}
	return json.RawMessage(doc), nil
}

type jobOverview struct {
	ProjectJobTitle   *string `json:"project_job_title" validate:"required"`
	ClientName        *string `json:"client_name" validate:"required"`
	ClientContactInfo *string `json:"client_contact_info" validate:"required"`
	DateOfAnalysis    *string `json:"date_of_analysis" validate:"required"`
}

type ambiguity struct {
	Unclear   []string `json:"unclear_missing_conflicting_requirements" validate:"min=3"`
	Questions []string `json:"client_questions_for_clarification" validate:"min=3"`
}

type budgetTerms struct {
	NegotiationPoints []json.RawMessage `json:"suggested_negotiation_points"`
}

type proposalPayload struct {
	JobOverview       *jobOverview    `json:"job_overview" validate:"required"`
	Summary           json.RawMessage `json:"summary_of_job_description" validate:"required"`
	Requirements      json.RawMessage `json:"requirements_and_scope" validate:"required"`
	Ambiguity         *ambiguity      `json:"ambiguity_and_loopholes" validate:"required"`
	Timeline          json.RawMessage `json:"timeline_and_milestones" validate:"required"`
	Budget            *budgetTerms    `json:"budget_and_payment_terms" validate:"required"`
	AdditionalNotes   json.RawMessage `json:"additional_notes" validate:"required"`
	FormattedProposal string          `json:"formatted_proposal" validate:"required"`
}

func parseProposal(reply string) (Proposal, error) {
	doc, err := extractJSON(reply)
	if err != nil {
		return Proposal{}, err
	}
	var payload proposalPayload
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return Proposal{}, fmt.Errorf("parse proposal: %w", err)
	}
	if err := payloadValidate.Struct(payload); err != nil {
		return Proposal{}, fmt.Errorf("invalid proposal: %w", err)
	}
	for name, items := range map[string][]string{
		"unclear_missing_conflicting_requirements": payload.Ambiguity.Unclear,
		"client_questions_for_clarification":       payload.Ambiguity.Questions,
	} {
		for _, item := range items {
			if len(strings.TrimSpace(item)) < minAmbiguityItemLen {
				return Proposal{}, fmt.Errorf("each item in %s needs at least %d characters", name, minAmbiguityItemLen)
			}
		}
	}
	return Proposal{Content: payload.FormattedProposal, Data: json.RawMessage(doc)}, nil
}
