package internal

import (
	"errors"
	"fmt"
)

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusSnapshot is the /status view of the lifecycle.
type StatusSnapshot struct {
	State    string `json:"state"`
	Backend  string `json:"backend"`
	StreamID string `json:"stream_id"`
	WhipURL  string `json:"whip_url"`
	WhepURL  string `json:"whep_url"`
	ScopeURL string `json:"scope_url"`
}

var (
	ErrAlreadyStreaming      = errors.New("already streaming")
	ErrNotStreaming          = errors.New("not streaming")
	ErrSessionNotEstablished = errors.New("session not established")
)

// CaptureError marks a per-tick acquire/resize/encode failure. It is logged
// and the tick skipped; it never terminates the pipeline.
type CaptureError struct {
	Op    string
	Cause any
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failure in %s: %v", e.Op, e.Cause)
}
