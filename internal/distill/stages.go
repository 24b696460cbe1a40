package distill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/logger"
)

var (
	ErrCompletionFailed = errors.New("completion failed")
	ErrUnparsable       = errors.New("no json in completion")
)

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageNameFromError returns the stage recorded on a StageError, if any.
func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Completer is the completion capability consumed by the stage runner.
type Completer interface {
	Call(ctx context.Context, prompt string) Completion
}

// StageRunner issues one completion per call. An error means the call made
// no contribution; it never aborts the pipeline on its own.
type StageRunner interface {
	RunFindings(ctx context.Context, text, step string) (Stage1Output, error)
	RunOrgans(ctx context.Context, text, step string) (Stage2Output, error)
	RunMapping(ctx context.Context, findings []Stage1Output, organs []Stage2Output, excerpt string) (Stage3Output, json.RawMessage, error)
	RunIntegrated(ctx context.Context, text string) (json.RawMessage, error)
}

type LLMStageRunner struct {
	client  Completer
	parser  *ResponseParser
	prompts *PromptBuilder
	log     *zap.Logger
}

func NewLLMStageRunner(client Completer, prompts *PromptBuilder, log *zap.Logger) *LLMStageRunner {
	log = logger.OrNop(log)
	return &LLMStageRunner{client: client, parser: NewResponseParser(log), prompts: prompts, log: log}
}

func (r *LLMStageRunner) RunFindings(ctx context.Context, text, step string) (Stage1Output, error) {
	raw, err := r.complete(ctx, step, r.prompts.Findings(text))
	if err != nil {
		return Stage1Output{}, err
	}
	out, err := decodeStage[Stage1Output](raw)
	if err != nil {
		return Stage1Output{}, &StageError{Stage: step, Err: fmt.Errorf("decode: %w", err)}
	}
	return out, nil
}

func (r *LLMStageRunner) RunOrgans(ctx context.Context, text, step string) (Stage2Output, error) {
	raw, err := r.complete(ctx, step, r.prompts.Organs(text))
	if err != nil {
		return Stage2Output{}, err
	}
	out, err := decodeStage[Stage2Output](raw)
	if err != nil {
		return Stage2Output{}, &StageError{Stage: step, Err: fmt.Errorf("decode: %w", err)}
	}
	return out, nil
}

func (r *LLMStageRunner) RunMapping(ctx context.Context, findings []Stage1Output, organs []Stage2Output, excerpt string) (Stage3Output, json.RawMessage, error) {
	const step = "anatomical_mapping"
	raw, err := r.complete(ctx, step, r.prompts.Mapping(findings, organs, excerpt))
	if err != nil {
		return Stage3Output{}, nil, err
	}
	out, err := decodeStage[Stage3Output](raw)
	if err != nil {
		return Stage3Output{}, nil, &StageError{Stage: step, Err: fmt.Errorf("decode: %w", err)}
	}
	return out, raw, nil
}

func (r *LLMStageRunner) RunIntegrated(ctx context.Context, text string) (json.RawMessage, error) {
	return r.complete(ctx, "integrated", r.prompts.Integrated(text))
}

func (r *LLMStageRunner) complete(ctx context.Context, step, prompt string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "stage."+step)
	defer span.End()

	c := r.client.Call(ctx, prompt)
	if !c.Success {
		r.log.Warn("stage completion failed", zap.String("step", step), zap.String("error", c.Error))
		return nil, &StageError{Stage: step, Err: fmt.Errorf("%w: %s", ErrCompletionFailed, c.Error)}
	}
	raw := r.parser.Parse(c, step)
	if raw == nil {
		return nil, &StageError{Stage: step, Err: ErrUnparsable}
	}
	return raw, nil
}
