package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeCommandUpload(t *testing.T) {
	t.Parallel()

	line := `{"action":"upload","service":"pixhost.to","files":["/tmp/a.jpg","/tmp/b.jpg"],` +
		`"config":{"content_type":"Safe"},"creds":{"user":"u"},"correlation_id":"c-1"}`
	cmd, err := DecodeCommand([]byte(line))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Action != ActionUpload || cmd.Service != "pixhost.to" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if len(cmd.Files) != 2 || cmd.Files[0] != "/tmp/a.jpg" {
		t.Fatalf("unexpected files: %v", cmd.Files)
	}
	if cmd.CorrelationID != "c-1" {
		t.Fatalf("unexpected correlation id: %q", cmd.CorrelationID)
	}
}

func TestDecodeCommandExecute(t *testing.T) {
	t.Parallel()

	line := `{"action":"execute","files":["/tmp/a.jpg"],"request":{"method":"POST",` +
		`"url":"https://example.com/up","multipart_fields":[{"name":"img","file":"{file}"}],` +
		`"response":{"type":"body"}}}`
	cmd, err := DecodeCommand([]byte(line))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Request == nil || cmd.Request.URL != "https://example.com/up" {
		t.Fatalf("unexpected request: %#v", cmd.Request)
	}
}

func TestDecodeCommandRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
	}{
		{"not json", "this is not json"},
		{"missing action", `{"service":"x","files":["/a"]}`},
		{"upload without service", `{"action":"upload","files":["/a"]}`},
		{"upload without files", `{"action":"upload","service":"x"}`},
		{"execute without request", `{"action":"execute","files":["/a"]}`},
		{"execute without url", `{"action":"execute","files":["/a"],"request":{"method":"POST"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeCommand([]byte(tc.line)); err == nil {
				t.Fatalf("expected error for %q", tc.line)
			}
		})
	}
}

func TestDecodeCommandAllowsUnknownAction(t *testing.T) {
	t.Parallel()

	// Unknown actions decode fine; the dispatcher answers them with an Error
	// event rather than the reader dropping them as malformed.
	cmd, err := DecodeCommand([]byte(`{"action":"frobnicate"}`))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Action != "frobnicate" {
		t.Fatalf("unexpected action: %q", cmd.Action)
	}
}

func TestReaderSkipsBlankAndRecoversFromMalformed(t *testing.T) {
	t.Parallel()

	input := "\n" +
		"garbage line\n" +
		`{"action":"ping","correlation_id":"p-1"}` + "\n"
	r := NewReader(strings.NewReader(input))

	_, err := r.Next()
	var malformed *MalformedLineError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedLineError, got %v", err)
	}
	if malformed.Line != "garbage line" {
		t.Fatalf("unexpected captured line: %q", malformed.Line)
	}

	cmd, err := r.Next()
	if err != nil {
		t.Fatalf("Next after malformed: %v", err)
	}
	if cmd.Action != ActionPing || cmd.CorrelationID != "p-1" {
		t.Fatalf("unexpected command: %#v", cmd)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderSurvivesOversizedLine(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("x", 2<<20) + "\n" +
		`{"action":"ping","correlation_id":"p-2"}` + "\n"
	r := NewReader(strings.NewReader(input))

	_, err := r.Next()
	var malformed *MalformedLineError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedLineError for oversized line, got %v", err)
	}
	if !strings.Contains(malformed.Err.Error(), "exceeds") {
		t.Fatalf("unexpected error: %v", malformed.Err)
	}

	cmd, err := r.Next()
	if err != nil {
		t.Fatalf("Next after oversized line: %v", err)
	}
	if cmd.Action != ActionPing || cmd.CorrelationID != "p-2" {
		t.Fatalf("unexpected command: %#v", cmd)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderOversizedLineAtEOF(t *testing.T) {
	t.Parallel()

	// No terminator on the oversized line: still reported, then clean EOF.
	r := NewReader(strings.NewReader(strings.Repeat("y", 2<<20)))

	_, err := r.Next()
	var malformed *MalformedLineError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedLineError, got %v", err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderHandlesFinalLineWithoutNewline(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader(`{"action":"ping"}`))
	cmd, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cmd.Action != ActionPing {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
