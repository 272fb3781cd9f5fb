package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	generationTemperature = 0.7
	updateTemperature     = 0.3
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// RPS bounds outgoing requests per second; zero disables the limit.
	RPS int
}

// Observer is told about every provider call.
type Observer interface {
	ObserveEngineCall(op string, kind ErrorKind, elapsed time.Duration)
}

var _ Engine = (*OpenAI)(nil)

type OpenAI struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer Observer
}

// NewOpenAI returns an engine backed by the chat completions API. Without an
// API key every call fails with ErrNotConfigured.
func NewOpenAI(cfg Config, logger *zap.Logger, observer Observer) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OpenAI{
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		logger:   logger,
		observer: observer,
	}
	if e.model == "" {
		e.model = openai.GPT4o
	}
	if cfg.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.RPS)
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		e.client = openai.NewClientWithConfig(clientCfg)
	} else {
		logger.Warn("OPENAI_API_KEY not set, engine calls will fail")
	}
	return e
}

func (e *OpenAI) RiskAnalysis(ctx context.Context, text string) (json.RawMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, emptyInput("Client chat content is empty.")
	}
	reply, err := e.complete(ctx, opAnalysis, riskSystemPrompt, renderPrompt(riskPromptTemplate, map[string]string{"chat": text}), generationTemperature, true)
	if err != nil {
		return nil, err
	}
	data, err := parseRisk(reply)
	if err != nil {
		return nil, failure(opAnalysis, KindMalformedResponse, err)
	}
	return data, nil
}

func (e *OpenAI) GenerateProposal(ctx context.Context, text string) (Proposal, error) {
	if strings.TrimSpace(text) == "" {
		return Proposal{}, emptyInput("Client chat content is empty.")
	}
	reply, err := e.complete(ctx, opGenerate, proposalSystemPrompt, renderPrompt(proposalPromptTemplate, map[string]string{"chat": text}), generationTemperature, true)
	if err != nil {
		return Proposal{}, err
	}
	proposal, err := parseProposal(reply)
	if err != nil {
		return Proposal{}, failure(opGenerate, KindMalformedResponse, err)
	}
	return proposal, nil
}

func (e *OpenAI) UpdateProposal(ctx context.Context, current, instructions, newText string) (string, error) {
	if strings.TrimSpace(current) == "" {
		return "", emptyInput("Current proposal content is empty.")
	}
	if strings.TrimSpace(instructions) == "" {
		return "", emptyInput("User changes are empty. Please specify what you want to update.")
	}
	prompt := renderPrompt(updatePromptTemplate, map[string]string{
		"current":      current,
		"instructions": instructions,
		"chat":         newText,
	})
	reply, err := e.complete(ctx, opUpdate, updateSystemPrompt, prompt, updateTemperature, false)
	if err != nil {
		return "", err
	}
	updated := stripFences(reply)
	if updated == "" {
		return "", failure(opUpdate, KindMalformedResponse, errors.New("AI returned an empty proposal update"))
	}
	return updated, nil
}

func (e *OpenAI) complete(ctx context.Context, op operation, system, prompt string, temperature float32, jsonMode bool) (reply string, err error) {
	if e.client == nil {
		return "", ErrNotConfigured
	}
	started := time.Now()
	defer func() {
		if e.observer != nil {
			e.observer.ObserveEngineCall(string(op), KindOf(err), time.Since(started))
		}
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", failure(op, KindGenericFailure, err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		e.logger.Warn("openai call failed", zap.String("op", string(op)), zap.Error(err))
		return "", classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", failure(op, KindMalformedResponse, errors.New("OpenAI returned no choices"))
	}
	e.logger.Debug("openai call finished",
		zap.String("op", string(op)),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return resp.Choices[0].Message.Content, nil
}
