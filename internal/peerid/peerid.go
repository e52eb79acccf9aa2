// Package peerid mints and compares stable peer identities.
//
// Spec §9 flags the original source's host/port self-identification
// heuristic as fragile: it detects "self" in a seeder list by
// comparing the advertised UDP port against the tracker's host field.
// This package replaces that with an explicit id the tracker hands
// out on registration and the downloader compares against its own.
package peerid

import "github.com/google/uuid"

// New mints a fresh stable peer id.
func New() string {
	return uuid.NewString()
}
