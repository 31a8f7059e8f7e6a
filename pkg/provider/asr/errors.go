package asr

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatUnsupported classifies failures caused by the recording's
	// container, codec, sample rate or channel layout. It is the only error
	// class on which a fallback chain moves to the next provider.
	ErrFormatUnsupported = errors.New("asr: audio format or channel not supported")

	// ErrPollTimeout reports that an asynchronous task was still pending when
	// the attempt budget ran out.
	ErrPollTimeout = errors.New("asr: recognition task timed out")
)

// Phase names the stage of an asynchronous task in which a failure happened.
type Phase string

const (
	PhaseSubmit Phase = "submit"
	PhasePoll   Phase = "poll"
)

// TaskError is a definitive failure reported by a recognition provider. Status,
// Code and Message are copied verbatim from the provider response.
type TaskError struct {
	Phase   Phase
	TaskID  string
	Status  string
	Code    string
	Message string

	// Err optionally classifies the failure (e.g. [ErrFormatUnsupported]) or
	// carries the transport error that caused it.
	Err error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("asr: %s failed", e.Phase)
	if e.TaskID != "" {
		msg += " (task " + e.TaskID + ")"
	}
	if e.Status != "" {
		msg += ": status " + e.Status
	}
	if e.Code != "" {
		msg += ", code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskError) Unwrap() error { return e.Err }
