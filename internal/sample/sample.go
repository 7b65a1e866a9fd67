package sample

import (
	"fmt"

	"github.com/getsentry/sampletree/internal/frame"
)

// ErrorCode is the reason a sampler could not walk a stack.
type ErrorCode uint8

const (
	ErrorNoJavaFrame ErrorCode = iota
	ErrorNoClassLoad
	ErrorGCActive
	ErrorUnknownNotJava
	ErrorNotWalkableNotJava
	ErrorUnknownJava
	ErrorNotWalkableJava
	ErrorUnknownState
	ErrorThreadExit
	ErrorDeopt
	ErrorSafepoint

	// NumErrorCodes is the size of the error histogram.
	NumErrorCodes = 11
)

var errorCodeNames = [NumErrorCodes]string{
	"no_java_frame",
	"no_class_load",
	"gc_active",
	"unknown_not_java",
	"not_walkable_not_java",
	"unknown_java",
	"not_walkable_java",
	"unknown_state",
	"thread_exit",
	"deopt",
	"safepoint",
}

func (c ErrorCode) String() string {
	if c.Valid() {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("error_code(%d)", uint8(c))
}

func (c ErrorCode) Valid() bool {
	return c < NumErrorCodes
}

type (
	// Sample is one stack sample. Frames are ordered innermost first.
	Sample struct {
		TraceRef uint32        `json:"trace_ref"`
		Error    *ErrorCode    `json:"error,omitempty"`
		Snipped  bool          `json:"snipped,omitempty"`
		Frames   []frame.Frame `json:"frames"`
	}

	// Batch is what a profiled process sends in one request. Traces and
	// Methods extend the index of the current window and may be referenced
	// by the samples of this batch or of any later batch in the window.
	Batch struct {
		Traces  map[uint32]string `json:"traces,omitempty"`
		Methods map[uint32]string `json:"methods,omitempty"`
		Samples []Sample          `json:"samples"`
	}
)

// Errored returns true if the sampler could not walk the stack.
func (s Sample) Errored() bool {
	return s.Error != nil
}

// Code returns a pointer to c, handy to build samples.
func Code(c ErrorCode) *ErrorCode {
	return &c
}
