// Package pipeline contains the stage orchestration engine: the execution
// context shared between stages, the runner contract, and the orchestrator
// that drives a project through the five stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/subflowhq/subflow/internal/models"
)

// Stable error codes persisted on stage runs.
const (
	CodeAudioPreprocessFailed = "AUDIO_PREPROCESS_FAILED"
	CodeVADFailed             = "VAD_FAILED"
	CodeASRFailed             = "ASR_FAILED"
	CodeLLMFailed             = "LLM_FAILED"
	CodeLLMTimeout            = "LLM_TIMEOUT"
	CodeLLMWindowStalled      = "LLM_WINDOW_STALLED"
	CodeProviderFailed        = "PROVIDER_FAILED"
	CodeExportFailed          = "EXPORT_FAILED"
	CodeConfiguration         = "CONFIGURATION_ERROR"
	CodeCancelled             = "CANCELLED"
)

// StageExecutionError wraps any stage failure with a stable error code.
type StageExecutionError struct {
	Stage     models.StageName
	ProjectID models.ULID
	Code      string
	Message   string
	Err       error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed for project %s [%s]: %s", e.Stage, e.ProjectID, e.Code, e.Message)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// NewStageError creates a stage execution error wrapping err.
func NewStageError(stage models.StageName, projectID models.ULID, code string, err error) *StageExecutionError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageExecutionError{
		Stage:     stage,
		ProjectID: projectID,
		Code:      code,
		Message:   msg,
		Err:       err,
	}
}

// defaultStageCode maps a stage to its catch-all error code.
func defaultStageCode(stage models.StageName) string {
	switch stage {
	case models.StageAudioPreprocess:
		return CodeAudioPreprocessFailed
	case models.StageVAD:
		return CodeVADFailed
	case models.StageASR:
		return CodeASRFailed
	case models.StageLLMCorrection, models.StageLLM:
		return CodeLLMFailed
	default:
		return CodeProviderFailed
	}
}

// classify wraps err as a StageExecutionError for the given stage, keeping an
// existing stage error's code. Cancellation always maps to CodeCancelled:
// when a cancellation races a timeout, cancellation wins so the project
// pauses instead of failing.
func classify(ctx context.Context, stage models.StageName, projectID models.ULID, err error) *StageExecutionError {
	var stageErr *StageExecutionError
	if errors.As(err, &stageErr) {
		if context.Cause(ctx) != nil && errors.Is(context.Cause(ctx), context.Canceled) {
			stageErr.Code = CodeCancelled
		}
		return stageErr
	}

	code := defaultStageCode(stage)
	switch {
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		if stage == models.StageLLMCorrection || stage == models.StageLLM {
			code = CodeLLMTimeout
		}
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, context.Canceled) {
		code = CodeCancelled
	}
	return NewStageError(stage, projectID, code, err)
}

// IsCancellation reports whether a stage error represents external
// cancellation rather than a real failure.
func IsCancellation(err error) bool {
	var stageErr *StageExecutionError
	if errors.As(err, &stageErr) {
		return stageErr.Code == CodeCancelled
	}
	return errors.Is(err, context.Canceled)
}
