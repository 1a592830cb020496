// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package syncerr defines the error taxonomy shared by the sync queue,
// reconciliation engine, and remote store implementations.
//
// Every failure on the sync path is classified into exactly one of four
// categories, which determines retry behavior:
//
//   - ErrTransientNetwork: retried with exponential backoff
//   - ErrQuotaExceeded: retried with a longer backoff base
//   - ErrPermanentValidation: never retried, dead-lettered, user-visible
//   - ErrStorageWrite: local persistence failure, fatal to the call
//
// A conflict that was resolved deterministically is an outcome, not an
// error, and is represented by the Resolution type.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork indicates a network or remote availability
	// failure. The operation may have reached the remote store; callers
	// must treat delivery as at-least-once.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrQuotaExceeded indicates the remote store rejected the request
	// for rate or quota reasons. Retryable with a longer backoff.
	ErrQuotaExceeded = errors.New("remote quota exceeded")

	// ErrPermanentValidation indicates a malformed or schema-violating
	// payload. Never retried.
	ErrPermanentValidation = errors.New("permanent validation error")

	// ErrStorageWrite indicates the device-local store could not
	// persist data. Fatal to the originating call: data that was not
	// durably staged must never be reported as saved.
	ErrStorageWrite = errors.New("local storage write failed")

	// ErrNotFound indicates the requested document does not exist in
	// the queried store.
	ErrNotFound = errors.New("not found")
)

// Class identifies the taxonomy bucket of an error.
type Class int

const (
	// ClassUnknown is an unclassified error, treated as transient so a
	// compliance record is never dropped on an unrecognized failure.
	ClassUnknown Class = iota

	// ClassTransient maps to ErrTransientNetwork.
	ClassTransient

	// ClassQuota maps to ErrQuotaExceeded.
	ClassQuota

	// ClassPermanent maps to ErrPermanentValidation.
	ClassPermanent

	// ClassStorage maps to ErrStorageWrite.
	ClassStorage
)

// String returns the class name for logs and queue records.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassQuota:
		return "quota"
	case ClassPermanent:
		return "permanent"
	case ClassStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Classify maps an error to its taxonomy class. Context cancellation
// and deadline expiry classify as transient: a timed-out write may have
// reached the remote store, so it must be replayed idempotently rather
// than abandoned.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrPermanentValidation):
		return ClassPermanent
	case errors.Is(err, ErrQuotaExceeded):
		return ClassQuota
	case errors.Is(err, ErrStorageWrite):
		return ClassStorage
	case errors.Is(err, ErrTransientNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// IsRetryable reports whether the reconciliation engine should keep the
// queue item and retry. Unknown errors are retryable by default; only a
// confirmed permanent validation failure dead-letters an item.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassPermanent, ClassStorage:
		return false
	default:
		return true
	}
}

// Transient wraps err as a transient network error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
}

// Permanent wraps err as a permanent validation error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanentValidation, err)
}

// Storage wraps err as a local storage write error.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageWrite, err)
}

// Resolution records the deterministic outcome of a concurrent-edit
// conflict. It is logged for audit visibility, never returned as an
// error: from the queue's perspective the item succeeded.
type Resolution struct {
	// TargetKey is the entry key the conflict occurred on.
	TargetKey string

	// LocalStamp and RemoteStamp are the competing logical timestamps.
	LocalStamp string
	RemoteStamp string

	// Winner is "local" or "remote".
	Winner string

	// Rule names the rule that decided: "newer-stamp" or "content-hash".
	Rule string
}
