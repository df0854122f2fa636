package domain

import "errors"

var (
	// ErrPermissionDenied reports that the microphone is blocked for this process.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrBusy reports that a session is already starting or streaming.
	ErrBusy = errors.New("session is busy")
)
