// Package services contains the durable stores: jobs, sessions,
// approvals, agents, channel bindings and review runs. All persistence
// goes through these types; SQL stays inside this package.
package services

import "errors"

// Sentinel errors shared by the stores. Handlers map these onto HTTP
// status codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrExpired           = errors.New("expired")
	ErrNoJobsAvailable   = errors.New("no jobs available")
	ErrSessionEnded      = errors.New("session ended")
	ErrInvalidTransition = errors.New("invalid status transition")
)
