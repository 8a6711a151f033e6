package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/speckitty/speckitty/internal/auth"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/merge"
	"github.com/speckitty/speckitty/internal/syncqueue"
	"github.com/speckitty/speckitty/internal/vcs"
)

// contractVersion is stamped on every envelope so consumers can detect
// incompatible output changes.
const contractVersion = "1.0"

// Error codes carried in failure envelopes.
const (
	codeUsage      = "USAGE_ERROR"
	codePreflight  = "GIT_PREFLIGHT_FAILED"
	codeValidation = "VALIDATION_ERROR"
	codeVCS        = "VCS_ERROR"
	codeNetwork    = "NETWORK_ERROR"
	codeAuth       = "AUTH_ERROR"
	codeWPFailed   = "WP_FAILED"
)

// Envelope is the machine-readable command result shape. Every command
// produces one under --json; parser failures produce one unconditionally.
type Envelope struct {
	Success         bool           `json:"success"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Data            map[string]any `json:"data"`
	Command         string         `json:"command"`
	Timestamp       string         `json:"timestamp"`
	CorrelationID   string         `json:"correlation_id"`
	ContractVersion string         `json:"contract_version"`
}

// correlationID ties every envelope of one invocation together.
var correlationID = uuid.NewString()

// CodedError attaches an envelope error code (and optional payload fields)
// to an underlying error.
type CodedError struct {
	Code string
	Data map[string]any
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// coded wraps err with an explicit envelope code.
func coded(code string, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// codedf is coded with a formatted message.
func codedf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// classify maps an error onto its envelope code and payload. Errors the
// commands did not wrap are treated as usage failures, which is where
// unwrapped errors come from (cobra's parser and argument validation).
func classify(err error) (string, map[string]any) {
	var ce *CodedError
	if errors.As(err, &ce) {
		data := map[string]any{"message": ce.Error()}
		for k, v := range ce.Data {
			data[k] = v
		}
		return ce.Code, data
	}

	var pf *vcs.PreflightError
	if errors.As(err, &pf) {
		return codePreflight, map[string]any{
			"message":     pf.Message,
			"code":        pf.Code,
			"remediation": pf.Remediation,
		}
	}

	data := map[string]any{"message": err.Error()}
	switch {
	case errors.Is(err, lane.ErrIllegalTransition),
		errors.Is(err, lane.ErrGuardFailed),
		errors.Is(err, lane.ErrForceRequires),
		errors.Is(err, merge.ErrNothingToMerge):
		return codeValidation, data
	case errors.Is(err, merge.ErrPendingConflicts):
		return codeVCS, data
	case errors.Is(err, syncqueue.ErrAuthFailed),
		errors.Is(err, auth.ErrNotLoggedIn),
		errors.Is(err, auth.ErrPendingPreviousScope):
		return codeAuth, data
	case errors.Is(err, syncqueue.ErrTransport):
		return codeNetwork, data
	}
	return codeUsage, data
}

func newEnvelope(command string) Envelope {
	return Envelope{
		Data:            map[string]any{},
		Command:         command,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		CorrelationID:   correlationID,
		ContractVersion: contractVersion,
	}
}

func writeEnvelope(env Envelope) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "{\"success\":false,\"error_code\":%q}\n", codeUsage)
		return
	}
	fmt.Fprintln(out, string(data))
}

// emitSuccess writes the command result: a success envelope under --json,
// otherwise the plain renderer.
func emitSuccess(command string, data map[string]any, plain func()) {
	if !jsonOut {
		if plain != nil {
			plain()
		}
		return
	}
	env := newEnvelope(command)
	env.Success = true
	if data != nil {
		env.Data = data
	}
	writeEnvelope(env)
}

// emitFailure writes the failure for err. Usage errors always produce the
// JSON envelope; everything else honors --json.
func emitFailure(command string, err error) {
	code, data := classify(err)
	if jsonOut || code == codeUsage {
		env := newEnvelope(command)
		env.ErrorCode = code
		env.Data = data
		writeEnvelope(env)
		return
	}
	failLine("%s: %s", code, err.Error())
	if hint, ok := data["remediation"].(string); ok {
		dimLine("  run: %s", hint)
	}
}
