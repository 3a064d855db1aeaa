package executor

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

// ProgressFunc receives streaming progress: file bytes written so far out of
// the total file bytes in the request. Called at most every progressInterval.
type ProgressFunc func(sent, total int64)

const progressInterval = 500 * time.Millisecond

// body is one streaming multipart payload. Never buffers file content: bytes
// flow disk -> multipart writer -> pipe -> socket, so memory per in-flight
// upload stays bounded no matter the file size.
type body struct {
	reader      io.ReadCloser
	contentType string
	totalBytes  int64
	hasher      *blake3.Hasher

	// done closes after the pipe goroutine stores its outcome in writeErr.
	// Reading hasher or writeErr before done has closed is a race.
	done     chan struct{}
	writeErr error
}

// openBody validates the request's file fields and starts the pipe goroutine.
// File bytes are additionally tee'd through a BLAKE3 hasher so a content
// checksum falls out of the upload for free.
func openBody(fields []Field, progress ProgressFunc) (*body, error) {
	var total int64
	for _, f := range fields {
		if f.Path == "" {
			continue
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return nil, newError(KindPermanent, err, "file not readable: %s", f.Path)
		}
		if info.IsDir() {
			return nil, newError(KindPermanent, nil, "not a regular file: %s", f.Path)
		}
		total += info.Size()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &progressCounter{total: total, report: progress}

	b := &body{
		reader:      pr,
		contentType: mw.FormDataContentType(),
		totalBytes:  total,
		hasher:      blake3.New(),
		done:        make(chan struct{}),
	}

	go func() {
		err := writeParts(mw, fields, io.MultiWriter(b.hasher, counter))
		if err == nil {
			err = mw.Close()
		}
		b.writeErr = err
		pw.CloseWithError(err)
		close(b.done)
	}()

	return b, nil
}

func writeParts(mw *multipart.Writer, fields []Field, fileTap io.Writer) error {
	for _, f := range fields {
		if f.Path == "" {
			if err := mw.WriteField(f.Name, f.Value); err != nil {
				return fmt.Errorf("write field %s: %w", f.Name, err)
			}
			continue
		}

		name := f.Filename
		if name == "" {
			name = filepath.Base(f.Path)
		}
		part, err := mw.CreateFormFile(f.Name, name)
		if err != nil {
			return fmt.Errorf("create file part %s: %w", f.Name, err)
		}
		src, err := os.Open(f.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Path, err)
		}
		_, err = io.Copy(io.MultiWriter(part, fileTap), src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("stream %s: %w", f.Path, err)
		}
	}
	return nil
}

// checksum joins the pipe goroutine and returns the BLAKE3 hex of the file
// bytes. It returns "" when the body was not fully streamed: a server may
// answer 2xx before draining the request, and a digest of partial content
// would be worse than none. The transport closes an abandoned request body,
// which fails the next pipe write and unblocks the goroutine; ctx bounds the
// wait regardless.
func (b *body) checksum(ctx context.Context) string {
	select {
	case <-b.done:
	case <-ctx.Done():
		return ""
	}
	if b.writeErr != nil {
		return ""
	}
	return fmt.Sprintf("%x", b.hasher.Sum(nil))
}

// progressCounter tracks file bytes flowing through the pipe and reports them,
// throttled, on the caller's callback.
type progressCounter struct {
	sent   int64
	total  int64
	report ProgressFunc
	last   time.Time
}

func (c *progressCounter) Write(p []byte) (int, error) {
	c.sent += int64(len(p))
	if c.report == nil {
		return len(p), nil
	}
	now := time.Now()
	if c.sent == c.total || now.Sub(c.last) >= progressInterval {
		c.last = now
		c.report(c.sent, c.total)
	}
	return len(p), nil
}
