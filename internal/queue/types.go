package queue

import (
	"time"

	"github.com/connies-uploader/sidecar/internal/protocol"
)

// Job is one file-upload unit of work, split off a JobRequest. A Job is owned
// by exactly one worker once dequeued; nothing else mutates it.
type Job struct {
	ID            string
	Service       string
	File          string
	Config        map[string]any
	Creds         map[string]string
	CorrelationID string
	CreatedAt     time.Time

	// Request is set on execute jobs: the caller supplied the full request
	// shape and the core runs it without any service lookup.
	Request *protocol.RawRequest
}
