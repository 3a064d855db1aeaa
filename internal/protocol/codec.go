package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single inbound command line. Commands carry paths and
// small maps, never file content, so 1 MiB is ample.
const maxLineBytes = 1 << 20

// ErrMalformedLine marks input that could not be parsed as a command. The
// reader keeps going after one; the process never dies on bad input.
type MalformedLineError struct {
	Line string
	Err  error
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed command line: %v", e.Err)
}

func (e *MalformedLineError) Unwrap() error { return e.Err }

// Reader decodes inbound commands line by line.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next command. Blank lines are skipped. A line that is not
// valid JSON, not a valid envelope, or longer than maxLineBytes yields
// *MalformedLineError; the reader remains usable. io.EOF signals a closed
// input stream.
func (r *Reader) Next() (*Command, error) {
	for {
		line, tooLong, err := r.readLine()
		if tooLong {
			return nil, &MalformedLineError{
				Err: fmt.Errorf("line exceeds %d bytes, discarded", maxLineBytes),
			}
		}
		line = trimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		cmd, derr := DecodeCommand(line)
		if derr != nil {
			return nil, &MalformedLineError{Line: string(line), Err: derr}
		}
		return cmd, nil
	}
}

// readLine returns one line including its terminator. An oversized line is
// consumed to its end and reported via tooLong without buffering it, so one
// hostile line cannot grow memory or wedge the stream.
func (r *Reader) readLine() (line []byte, tooLong bool, err error) {
	var buf []byte
	oversize := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !oversize {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				oversize = true
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if oversize {
			if err != nil && err != io.EOF {
				return nil, false, err
			}
			return nil, true, nil
		}
		if err == io.EOF && len(buf) > 0 {
			// Final line without a terminator.
			return buf, false, nil
		}
		return buf, false, err
	}
}

// DecodeCommand parses and validates one command envelope.
func DecodeCommand(line []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}

	if cmd.Action == "" {
		return nil, fmt.Errorf("command missing required field: action")
	}

	switch cmd.Action {
	case ActionUpload:
		if cmd.Service == "" {
			return nil, fmt.Errorf("upload command missing required field: service")
		}
		if len(cmd.Files) == 0 {
			return nil, fmt.Errorf("upload command has no files")
		}
	case ActionExecute:
		if cmd.Request == nil {
			return nil, fmt.Errorf("execute command missing required field: request")
		}
		if cmd.Request.Method == "" || cmd.Request.URL == "" {
			return nil, fmt.Errorf("execute request missing method or url")
		}
		if len(cmd.Files) == 0 {
			return nil, fmt.Errorf("execute command has no files")
		}
	}
	return &cmd, nil
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}
