// Copyright 2025 Joseph Cumines
//
// Package action dispatches semantic actions against live elements.
//
// Every request moves through Received, PathResolved and Executed before
// ending Completed or Failed. The target path is resolved against the current
// snapshot first; only then is the live element resolved through the view
// provider, the parameters validated, and the executor invoked. The result is
// always returned as a value: failures carry an error kind and the stage at
// which they occurred.
package action

import (
	"fmt"

	"github.com/joeycumines/uiinspector/internal/uierror"
)

// Kind is a semantic action.
type Kind string

const (
	Tap             Kind = "tap"
	LongPress       Kind = "longPress"
	SetText         Kind = "setText"
	ClearText       Kind = "clearText"
	ScrollToVisible Kind = "scrollToVisible"
)

// Kinds lists the supported actions.
var Kinds = []Kind{Tap, LongPress, SetText, ClearText, ScrollToVisible}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Stage is a state of the per-request state machine.
type Stage string

const (
	StageReceived     Stage = "Received"
	StagePathResolved Stage = "PathResolved"
	StageExecuted     Stage = "Executed"
	StageCompleted    Stage = "Completed"
	StageFailed       Stage = "Failed"
)

// Request is one action to perform.
type Request struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Kind       Kind           `json:"kind"`
	TargetPath string         `json:"targetPath"`
}

// Error describes a failed action. Stage is the last stage reached.
type Error struct {
	Kind    uierror.Kind `json:"kind"`
	Message string       `json:"message"`
	Stage   Stage        `json:"stage"`
}

// Result is the outcome of Perform.
type Result struct {
	Data  map[string]any `json:"data,omitempty"`
	Error *Error         `json:"error,omitempty"`
	Stage Stage          `json:"stage"`
	OK    bool           `json:"ok"`
}

// Outcome is the metrics label for the result: "ok" or the error kind.
func (r Result) Outcome() string {
	if r.OK || r.Error == nil {
		return "ok"
	}
	return string(r.Error.Kind)
}

// Err converts a failed result to an error, for transports that report
// failures as statuses. It returns nil for successful results.
func (r Result) Err(path string) error {
	if r.OK || r.Error == nil {
		return nil
	}
	return uierror.New(r.Error.Kind, "perform action", "%s", r.Error.Message).WithPath(path)
}

func completed(data map[string]any) Result {
	return Result{OK: true, Stage: StageCompleted, Data: data}
}

func failed(stage Stage, kind uierror.Kind, format string, args ...any) Result {
	return Result{
		Stage: StageFailed,
		Error: &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)},
	}
}
