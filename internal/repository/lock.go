package repository

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// LockResult reports the outcome of a conditional claim on a row. Losing the
// race is an expected outcome, not an error.
type LockResult int

const (
	LockAlreadyHeld LockResult = iota
	LockAcquired
)

func (r LockResult) Acquired() bool { return r == LockAcquired }

func (r LockResult) String() string {
	if r == LockAcquired {
		return "acquired"
	}
	return "already_held"
}

func lockResult(rows int64) LockResult {
	if rows > 0 {
		return LockAcquired
	}
	return LockAlreadyHeld
}

// ErrLockLost is returned by a completion mark when the row is no longer in
// the state the caller claimed.
var ErrLockLost = errors.New("row no longer held by caller")

const maxErrorLen = 1000

// TruncateError bounds a stored error message to the column width.
func TruncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "Unknown error"
	}
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
