package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/connies-uploader/sidecar/internal/config"
	"github.com/connies-uploader/sidecar/internal/executor"
	"github.com/connies-uploader/sidecar/internal/history"
	"github.com/connies-uploader/sidecar/internal/log"
	"github.com/connies-uploader/sidecar/internal/protocol"
	"github.com/connies-uploader/sidecar/internal/queue"
	"github.com/connies-uploader/sidecar/internal/ratelimit"
	"github.com/connies-uploader/sidecar/internal/service"
	"github.com/connies-uploader/sidecar/internal/session"
)

// genericService labels rate limiting and events for execute-action jobs that
// carry no service id.
const genericService = "generic"

// Dispatcher splits job requests into per-file jobs and runs them on a fixed
// pool of workers. Every job ends in exactly one terminal status event, no
// matter how it fails; only that guarantee keeps the front end's bookkeeping
// honest.
type Dispatcher struct {
	cfg      *config.Config
	queue    *queue.Queue
	registry *service.Registry
	limiter  *ratelimit.Registry
	sessions *session.Store
	exec     *executor.Executor
	out      *protocol.Writer
	hist     *history.Store // nil when history is disabled
	logger   *slog.Logger

	wg    sync.WaitGroup
	stats Stats
}

// Stats counts job outcomes for the health surface.
type Stats struct {
	Active    atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	TimedOut  atomic.Int64
	Rejected  atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	TimedOut   int64 `json:"timed_out"`
	Rejected   int64 `json:"rejected"`
}

func New(
	cfg *config.Config,
	q *queue.Queue,
	reg *service.Registry,
	lim *ratelimit.Registry,
	sess *session.Store,
	exec *executor.Executor,
	out *protocol.Writer,
	hist *history.Store,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		limiter:  lim,
		sessions: sess,
		exec:     exec,
		out:      out,
		hist:     hist,
		logger:   log.WithComponent("dispatch"),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled or the
// queue is closed and drained; Wait blocks until they are gone.
func (d *Dispatcher) Start(ctx context.Context) {
	n := d.cfg.Service.Workers
	d.logger.Info("worker pool started", "workers", n)
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Snapshot returns current counters for the stats endpoint.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		QueueDepth: d.queue.Depth(),
		Active:     d.stats.Active.Load(),
		Succeeded:  d.stats.Succeeded.Load(),
		Failed:     d.stats.Failed.Load(),
		TimedOut:   d.stats.TimedOut.Load(),
		Rejected:   d.stats.Rejected.Load(),
	}
}

// Submit splits an upload or execute command into per-file jobs and admits
// them. Admission failures (unknown service, full queue, duplicate in-flight
// file) produce immediate terminal Error events for the affected files only.
func (d *Dispatcher) Submit(cmd *protocol.Command) {
	serviceID := cmd.Service

	switch cmd.Action {
	case protocol.ActionUpload:
		if _, ok := d.registry.Lookup(serviceID); !ok {
			d.logger.Warn("unknown service", "service", serviceID, "known", d.registry.IDs())
			for _, f := range cmd.Files {
				d.stats.Rejected.Add(1)
				d.emitStatus(protocol.StatusEvent{
					File: f, Status: protocol.StatusError, Service: serviceID,
					Message:       fmt.Sprintf("unknown service %q", serviceID),
					CorrelationID: cmd.CorrelationID,
				})
			}
			return
		}
	case protocol.ActionExecute:
		if serviceID == "" {
			serviceID = genericService
		}
	default:
		d.emitStatus(protocol.StatusEvent{
			Status:        protocol.StatusError,
			Message:       fmt.Sprintf("unknown action %q", cmd.Action),
			CorrelationID: cmd.CorrelationID,
		})
		return
	}

	for _, f := range cmd.Files {
		job := &queue.Job{
			ID:            uuid.NewString(),
			Service:       serviceID,
			File:          f,
			Config:        cmd.Config,
			Creds:         cmd.Creds,
			CorrelationID: cmd.CorrelationID,
			CreatedAt:     time.Now(),
			Request:       cmd.Request,
		}
		if err := d.queue.Enqueue(job); err != nil {
			d.stats.Rejected.Add(1)
			d.emitStatus(protocol.StatusEvent{
				File: f, Status: protocol.StatusError, Service: serviceID,
				Message:       err.Error(),
				CorrelationID: cmd.CorrelationID,
			})
			continue
		}
		d.emitStatus(protocol.StatusEvent{
			File: f, Status: protocol.StatusQueued, Service: serviceID,
			CorrelationID: cmd.CorrelationID,
		})
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With("worker", id)
	logger.Debug("worker started")

	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			logger.Debug("worker stopping", "reason", err)
			return
		}
		if job == nil { // queue closed and drained
			logger.Debug("worker stopping", "reason", "queue drained")
			return
		}

		d.stats.Active.Add(1)
		ev := d.runJob(ctx, job)
		d.stats.Active.Add(-1)

		d.emitStatus(ev)
		d.record(job, ev)
		d.count(ev.Status)
		// Released only after the terminal event: re-submitting the same
		// path always starts a fresh job, never sees stale state.
		d.queue.Release(job.File)
	}
}

// runJob executes one job under the hard per-file deadline and returns its
// terminal event. Panics are contained here: a worker is never lost to one
// misbehaving job.
func (d *Dispatcher) runJob(parent context.Context, job *queue.Job) (ev protocol.StatusEvent) {
	jobLogger := log.WithJob(job.ID).With("service", job.Service, "file", job.File)

	defer func() {
		if r := recover(); r != nil {
			jobLogger.Error("job panicked", "panic", fmt.Sprint(r))
			ev = d.terminal(job, protocol.StatusError, fmt.Sprintf("internal failure: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, d.cfg.Service.JobDeadline)
	defer cancel()

	// Rate-limit gate. A deadline expiring while parked here is a Timeout,
	// not a stalled job.
	if err := d.limiter.Acquire(ctx, job.Service); err != nil {
		jobLogger.Warn("rate limit acquire failed", "error", err.Error())
		return d.failure(job, err)
	}

	req, parse, err := d.prepare(ctx, job)
	if err != nil {
		jobLogger.Warn("job preparation failed", "error", err.Error())
		return d.failure(job, err)
	}

	d.emitStatus(protocol.StatusEvent{
		File: job.File, Status: protocol.StatusUploading, Service: job.Service,
		CorrelationID: job.CorrelationID,
	})

	res, err := d.exec.Execute(ctx, req, parse, d.progressFunc(job))
	if err != nil && executor.KindOf(err) == executor.KindAuth && job.Request == nil {
		// One re-auth attempt: drop the cached session, rebuild, retry.
		jobLogger.Warn("auth failure, re-initializing session", "error", err.Error())
		d.sessions.Invalidate(job.Service)
		req, parse, err = d.prepare(ctx, job)
		if err == nil {
			res, err = d.exec.Execute(ctx, req, parse, d.progressFunc(job))
		}
	}
	if err != nil {
		jobLogger.Warn("upload failed", "error", err.Error())
		return d.failure(job, err)
	}

	jobLogger.Info("upload succeeded", "viewer_url", res.ViewerURL, "attempts", res.Attempts)
	return protocol.StatusEvent{
		File: job.File, Status: protocol.StatusSuccess, Service: job.Service,
		ViewerURL: res.ViewerURL, ThumbURL: res.ThumbURL, Checksum: res.Checksum,
		CorrelationID: job.CorrelationID,
	}
}

// prepare resolves the job into an executable request: capability lookup,
// session init if the service needs one, template expansion.
func (d *Dispatcher) prepare(ctx context.Context, job *queue.Job) (*executor.Request, executor.Parse, error) {
	if job.Request != nil {
		return service.BuildFromRaw(job.Request, job)
	}

	svc, ok := d.registry.Lookup(job.Service)
	if !ok {
		// Normally caught at Submit; kept for safety on direct enqueues.
		return nil, executor.Parse{}, fmt.Errorf("unknown service %q", job.Service)
	}

	var sess *session.Session
	if svc.NeedsSession() {
		var err error
		sess, err = d.sessions.InitIfNeeded(ctx, job.Service, svc.SessionInit(d.exec), job.Creds)
		if err != nil {
			return nil, executor.Parse{}, err
		}
	}

	return svc.BuildRequest(job, sess)
}

// failure maps an error to the job's terminal event: context/deadline errors
// become Timeout, everything else Error with the structured message.
func (d *Dispatcher) failure(job *queue.Job, err error) protocol.StatusEvent {
	status := protocol.StatusError
	if executor.KindOf(err) == executor.KindTimeout ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = protocol.StatusTimeout
	}
	return d.terminal(job, status, err.Error())
}

func (d *Dispatcher) terminal(job *queue.Job, status protocol.Status, message string) protocol.StatusEvent {
	return protocol.StatusEvent{
		File: job.File, Status: status, Service: job.Service,
		Message:       message,
		CorrelationID: job.CorrelationID,
	}
}

func (d *Dispatcher) progressFunc(job *queue.Job) executor.ProgressFunc {
	return func(sent, total int64) {
		if err := d.out.Progress(protocol.ProgressEvent{
			File: job.File, BytesSent: sent, BytesTotal: total,
			CorrelationID: job.CorrelationID,
		}); err != nil {
			d.logger.Error("write progress event", "error", err.Error())
		}
	}
}

func (d *Dispatcher) emitStatus(ev protocol.StatusEvent) {
	if err := d.out.Status(ev); err != nil {
		d.logger.Error("write status event", "error", err.Error())
	}
}

func (d *Dispatcher) record(job *queue.Job, ev protocol.StatusEvent) {
	if d.hist == nil || !ev.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.hist.Record(ctx, history.Entry{
		JobID:         job.ID,
		Service:       job.Service,
		File:          job.File,
		Status:        string(ev.Status),
		Message:       ev.Message,
		ViewerURL:     ev.ViewerURL,
		ThumbURL:      ev.ThumbURL,
		Checksum:      ev.Checksum,
		CorrelationID: job.CorrelationID,
		CreatedAt:     job.CreatedAt,
	})
	if err != nil {
		// Bookkeeping only; the job outcome already went out.
		d.logger.Error("record history", "job_id", job.ID, "error", err.Error())
	}
}

func (d *Dispatcher) count(status protocol.Status) {
	switch status {
	case protocol.StatusSuccess:
		d.stats.Succeeded.Add(1)
	case protocol.StatusError:
		d.stats.Failed.Add(1)
	case protocol.StatusTimeout:
		d.stats.TimedOut.Add(1)
	}
}
