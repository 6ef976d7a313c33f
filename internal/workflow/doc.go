// Package workflow owns the phase-gated workflow record of a session.
//
// A workflow is an ordered list of phases chosen by its Kind. Exactly one
// phase is current: the first one that is not completed. Phases only move
// forward, one step per advance, and every mutation goes through Store,
// which serializes writers with an exclusive file lock and replaces the
// record atomically by rename.
//
// Store errors are *Error values wrapping a sentinel; use errors.Is with
// ErrNoActivePhase, ErrDuplicateArtifact and friends, or Classify for the
// structured kind reported to the host.
package workflow
