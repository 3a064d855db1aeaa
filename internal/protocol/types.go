package protocol

// Inbound actions understood by the sidecar.
const (
	ActionUpload   = "upload"
	ActionExecute  = "execute"
	ActionPing     = "ping"
	ActionShutdown = "shutdown"
)

// Command is the inbound envelope, one JSON object per stdin line.
type Command struct {
	Action        string            `json:"action"`
	Service       string            `json:"service,omitempty"`
	Files         []string          `json:"files,omitempty"`
	Config        map[string]any    `json:"config,omitempty"`
	Creds         map[string]string `json:"creds,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`

	// Request carries a fully-formed request description for the execute
	// action, letting the caller keep all service knowledge on its side.
	Request *RawRequest `json:"request,omitempty"`
}

// RawRequest fully describes an HTTP upload for the execute action.
type RawRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Multipart []RawField        `json:"multipart_fields,omitempty"`
	Response  *RawResponse      `json:"response,omitempty"`
}

// RawField is one multipart field: a literal value or a file path to stream.
type RawField struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	File  string `json:"file,omitempty"`
}

// RawResponse describes how to pull viewer/thumb URLs out of the reply.
type RawResponse struct {
	Type        string `json:"type"` // json | regex | body
	ViewerPath  string `json:"viewer_path,omitempty"`
	ThumbPath   string `json:"thumb_path,omitempty"`
	ViewerRegex string `json:"viewer_regex,omitempty"`
	ThumbRegex  string `json:"thumb_regex,omitempty"`
}

// Status values carried by status events.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusUploading Status = "Uploading"
	StatusSuccess   Status = "Success"
	StatusError     Status = "Error"
	StatusTimeout   Status = "Timeout"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// StatusEvent is the outbound per-file event, one JSON object per stdout line.
type StatusEvent struct {
	Type          string `json:"type"` // always "status"
	File          string `json:"file"`
	Status        Status `json:"status"`
	Service       string `json:"service,omitempty"`
	Message       string `json:"message,omitempty"`
	ViewerURL     string `json:"viewer_url,omitempty"`
	ThumbURL      string `json:"thumb_url,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ProgressEvent reports streaming progress for one file.
type ProgressEvent struct {
	Type          string `json:"type"` // always "progress"
	File          string `json:"file"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesTotal    int64  `json:"bytes_total"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DiagnosticEvent reports sidecar-level conditions not tied to one file.
type DiagnosticEvent struct {
	Type    string `json:"type"` // always "diagnostic"
	Level   string `json:"level"`
	Message string `json:"message"`
}

// PongEvent answers a ping.
type PongEvent struct {
	Type          string `json:"type"` // always "pong"
	CorrelationID string `json:"correlation_id,omitempty"`
}
