// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
)

// ErrCodeUnknownToken is the structured server error code reported when a
// pagination token is no longer valid. Observing it permanently exhausts
// back-pagination for that token lineage.
const ErrCodeUnknownToken = "M_UNKNOWN_TOKEN"

// NetworkError is a transport-level failure. The caller may retry.
type NetworkError struct {
	Inner error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Inner)
}

func (e *NetworkError) Unwrap() error { return e.Inner }

// ProtocolError is a structured error returned by the server.
type ProtocolError struct {
	StatusCode int
	ErrCode    string
	Message    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
}

// IsUnknownToken reports whether err is the "unknown token" protocol error.
func IsUnknownToken(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.ErrCode == ErrCodeUnknownToken
}

// UnexpectedError is a parse or logic failure that is not automatically
// retryable.
type UnexpectedError struct {
	Inner error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Inner)
}

func (e *UnexpectedError) Unwrap() error { return e.Inner }

// OutcomeKind classifies how an asynchronous request concluded.
type OutcomeKind int

const (
	// OutcomeApplied means the result was current and was delivered.
	OutcomeApplied OutcomeKind = iota
	// OutcomeStale means a cancellation or a newer request superseded this
	// one; the result was dropped without side effects.
	OutcomeStale
	// OutcomeFailed means the request errored while still current.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	default:
		return "failed"
	}
}

// PaginationOutcome is the result of one pagination request. Exactly one of
// Chunk or Err is set when Kind is Applied or Failed; both are nil for Stale.
type PaginationOutcome struct {
	Kind  OutcomeKind
	Chunk *TokensChunk
	Err   error
}
