package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/connies-uploader/sidecar/internal/config"
	"github.com/connies-uploader/sidecar/internal/log"
)

// Executor issues fully-specified upload requests. One Executor is shared by
// all workers; per-request state (cookie jar, deadline) rides on the Request
// and its context. TLS verification is always on; there is no insecure mode.
type Executor struct {
	cfg       config.HTTPConfig
	transport *http.Transport
	logger    *slog.Logger
}

func New(cfg config.HTTPConfig) *Executor {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}
	return &Executor{
		cfg:       cfg,
		transport: transport,
		logger:    log.WithComponent("executor"),
	}
}

// Execute runs the request and normalizes the response into a Result.
// Transient failures retry with jittered exponential backoff up to the
// configured attempt cap. The overall bound is ctx's deadline: when it expires
// mid-request the transport abandons the connection (a canceled request's
// connection is closed, not pooled) and the error surfaces as KindTimeout.
func (e *Executor) Execute(ctx context.Context, req *Request, parse Parse, progress ProgressFunc) (*Result, error) {
	raw, checksum, attempts, err := e.run(ctx, req, progress)
	if err != nil {
		return nil, err
	}
	viewer, thumb, perr := parse.extract(raw)
	if perr != nil {
		return nil, newError(KindPermanent, perr, "unexpected response from %s", req.URL)
	}
	return &Result{ViewerURL: viewer, ThumbURL: thumb, Checksum: checksum, Attempts: attempts}, nil
}

// Raw runs the request with the same retry semantics as Execute but hands back
// the response body untouched. Session bootstrap requests use this: what to
// pull out of the reply is the capability's business.
func (e *Executor) Raw(ctx context.Context, req *Request) ([]byte, error) {
	raw, _, _, err := e.run(ctx, req, nil)
	return raw, err
}

func (e *Executor) run(ctx context.Context, req *Request, progress ProgressFunc) (raw []byte, checksum string, attempts int, err error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		raw, checksum, err = e.attempt(ctx, req, progress)
		if err == nil {
			return raw, checksum, attempt, nil
		}
		lastErr = err

		kind := KindOf(err)
		if !retryable(kind) || attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff(attempt, err)
		e.logger.Warn("transient upload failure, backing off",
			"url", req.URL, "attempt", attempt, "delay", delay, "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, "", 0, newError(KindTimeout, ctx.Err(), "deadline expired during backoff")
		case <-time.After(delay):
		}
	}
	return nil, "", 0, lastErr
}

func (e *Executor) attempt(ctx context.Context, req *Request, progress ProgressFunc) ([]byte, string, error) {
	// The body stream is single-use; each attempt rebuilds it from disk.
	body, err := openBody(req.Fields, progress)
	if err != nil {
		return nil, "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body.reader)
	if err != nil {
		_ = body.reader.Close()
		return nil, "", newError(KindPermanent, err, "build request for %s", req.URL)
	}
	if len(req.Fields) > 0 {
		httpReq.Header.Set("Content-Type", body.contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{Transport: e.transport, Jar: req.Jar}
	resp, err := client.Do(httpReq)
	if err != nil {
		_ = body.reader.Close()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", newError(KindTimeout, err, "request to %s exceeded deadline", req.URL)
		}
		return nil, "", newError(KindTransient, err, "request to %s failed", req.URL)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			return nil, "", newError(KindTransient, readErr, "read response from %s", req.URL)
		}
		return raw, body.checksum(ctx), nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", newError(KindAuth, nil, "auth rejected by %s (%d): %s",
			req.URL, resp.StatusCode, snippet(raw))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		rlErr := newError(KindRateLimited, nil, "rate limited by %s (%d)", req.URL, resp.StatusCode)
		rlErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, "", rlErr

	case resp.StatusCode >= 500:
		return nil, "", newError(KindTransient, nil, "server error from %s (%d): %s",
			req.URL, resp.StatusCode, snippet(raw))

	default:
		return nil, "", newError(KindPermanent, nil, "rejected by %s (%d): %s",
			req.URL, resp.StatusCode, snippet(raw))
	}
}

// backoff computes the next delay: base doubled per attempt with +-20% jitter,
// capped, and never shorter than a server-provided Retry-After hint.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	d := e.cfg.BackoffBase << (attempt - 1)
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter

	var ex *Error
	if errors.As(err, &ex) && ex.RetryAfter > d {
		d = ex.RetryAfter
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
