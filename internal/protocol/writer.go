package protocol

import (
	"encoding/json"
	"io"
	"sync"
)

// Writer is the single owner of the outbound stream. Every event the sidecar
// emits funnels through one Writer; the mutex guarantees workers finishing
// concurrently can never interleave bytes of two lines.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// emit writes one event as one line. Encode appends the trailing newline.
func (w *Writer) emit(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *Writer) Status(ev StatusEvent) error {
	ev.Type = "status"
	return w.emit(ev)
}

func (w *Writer) Progress(ev ProgressEvent) error {
	ev.Type = "progress"
	return w.emit(ev)
}

func (w *Writer) Diagnostic(level, message string) error {
	return w.emit(DiagnosticEvent{Type: "diagnostic", Level: level, Message: message})
}

func (w *Writer) Pong(correlationID string) error {
	return w.emit(PongEvent{Type: "pong", CorrelationID: correlationID})
}
