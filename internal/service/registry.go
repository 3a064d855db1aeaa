// Package service maps service ids to upload capabilities. A capability is
// pure data interpreted at run time: the core stays a dumb HTTP runner with no
// knowledge of any particular hosting service.
package service

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"sort"

	"github.com/connies-uploader/sidecar/internal/config"
	"github.com/connies-uploader/sidecar/internal/executor"
	"github.com/connies-uploader/sidecar/internal/protocol"
	"github.com/connies-uploader/sidecar/internal/queue"
	"github.com/connies-uploader/sidecar/internal/session"
)

// Runner is the slice of the executor a capability's session init needs.
type Runner interface {
	Raw(ctx context.Context, req *executor.Request) ([]byte, error)
}

// Capability describes how to upload to one service.
type Capability struct {
	ID   string
	spec config.ServiceSpec
}

// Registry is the service id -> capability lookup. Populated once at startup
// from config and read-only afterwards, so lookups need no locking.
type Registry struct {
	caps map[string]*Capability
}

func NewRegistry(specs map[string]config.ServiceSpec) *Registry {
	caps := make(map[string]*Capability, len(specs))
	for id, spec := range specs {
		caps[id] = &Capability{ID: id, spec: spec}
	}
	return &Registry{caps: caps}
}

func (r *Registry) Lookup(id string) (*Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns the known service ids, sorted, for diagnostics.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rate returns the service's bucket override, or nil to use the default.
func (c *Capability) Rate() *config.BucketSpec { return c.spec.Rate }

// NeedsSession reports whether uploads require an auth bootstrap first.
func (c *Capability) NeedsSession() bool { return c.spec.Session != nil }

// BuildRequest expands the capability's request template against one job and
// the service session (nil for sessionless services).
func (c *Capability) BuildRequest(job *queue.Job, sess *session.Session) (*executor.Request, executor.Parse, error) {
	vars := Vars{File: job.File, Config: job.Config, Creds: job.Creds}
	var headers map[string]string
	if sess != nil {
		vars.Session = sess.Values
		headers = sess.Headers
	}

	req, err := buildRequest(c.spec.Request, vars)
	if err != nil {
		return nil, executor.Parse{}, fmt.Errorf("service %s: %w", c.ID, err)
	}

	if c.spec.Session != nil {
		for k, tmpl := range c.spec.Session.Headers {
			val, err := expand(tmpl, vars)
			if err != nil {
				return nil, executor.Parse{}, fmt.Errorf("service %s header %s: %w", c.ID, k, err)
			}
			req.Headers[k] = val
		}
	}
	for k, v := range headers {
		req.Headers[k] = v
	}
	if sess != nil && sess.Jar != nil {
		req.Jar = sess.Jar
	}

	return req, toParse(c.spec.Parse), nil
}

// SessionInit returns the init function the session store runs once per
// service. It issues the declared bootstrap request and harvests tokens and
// cookies per the session block's extract rules.
func (c *Capability) SessionInit(runner Runner) session.InitFunc {
	spec := c.spec.Session
	return func(ctx context.Context, creds map[string]string) (*session.Session, error) {
		vars := Vars{Creds: creds}
		req, err := buildRequest(spec.Init, vars)
		if err != nil {
			return nil, fmt.Errorf("service %s session init: %w", c.ID, err)
		}

		sess := &session.Session{Values: map[string]string{}}
		if spec.Cookies {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return nil, fmt.Errorf("service %s cookie jar: %w", c.ID, err)
			}
			req.Jar = jar
			sess.Jar = jar
		}

		body, err := runner.Raw(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("service %s session init: %w", c.ID, err)
		}

		for key, path := range spec.Extract {
			val, err := executor.JSONPath(body, path)
			if err != nil {
				return nil, fmt.Errorf("service %s session value %s: %w", c.ID, key, err)
			}
			sess.Values[key] = val
		}
		for key, pattern := range spec.ExtractRegex {
			val, err := executor.RegexCapture(body, pattern)
			if err != nil {
				return nil, fmt.Errorf("service %s session value %s: %w", c.ID, key, err)
			}
			sess.Values[key] = val
		}
		return sess, nil
	}
}

// BuildFromRaw turns an execute-action request description into an executable
// request for one job. The same placeholders work, so a caller can send one
// description for a batch of files.
func BuildFromRaw(raw *protocol.RawRequest, job *queue.Job) (*executor.Request, executor.Parse, error) {
	vars := Vars{File: job.File, Config: job.Config, Creds: job.Creds}

	spec := config.RequestSpec{
		Method:  raw.Method,
		URL:     raw.URL,
		Headers: raw.Headers,
	}
	for _, f := range raw.Multipart {
		spec.Fields = append(spec.Fields, config.FieldSpec{Name: f.Name, Value: f.Value, File: f.File})
	}

	req, err := buildRequest(spec, vars)
	if err != nil {
		return nil, executor.Parse{}, err
	}

	parse := executor.Parse{Type: "body"}
	if raw.Response != nil {
		parse = executor.Parse{
			Type:        raw.Response.Type,
			ViewerPath:  raw.Response.ViewerPath,
			ThumbPath:   raw.Response.ThumbPath,
			ViewerRegex: raw.Response.ViewerRegex,
			ThumbRegex:  raw.Response.ThumbRegex,
		}
	}
	return req, parse, nil
}

func buildRequest(spec config.RequestSpec, vars Vars) (*executor.Request, error) {
	url, err := expand(spec.URL, vars)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}

	req := &executor.Request{
		Method:  spec.Method,
		URL:     url,
		Headers: make(map[string]string, len(spec.Headers)),
	}
	for k, tmpl := range spec.Headers {
		val, err := expand(tmpl, vars)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", k, err)
		}
		req.Headers[k] = val
	}
	for _, f := range spec.Fields {
		if f.File != "" {
			path, err := expand(f.File, vars)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			req.Fields = append(req.Fields, executor.Field{Name: f.Name, Path: path})
			continue
		}
		val, err := expand(f.Value, vars)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		req.Fields = append(req.Fields, executor.Field{Name: f.Name, Value: val})
	}
	return req, nil
}

func toParse(spec config.ResponseSpec) executor.Parse {
	return executor.Parse{
		Type:        spec.Type,
		ViewerPath:  spec.ViewerPath,
		ThumbPath:   spec.ThumbPath,
		ViewerRegex: spec.ViewerRegex,
		ThumbRegex:  spec.ThumbRegex,
	}
}
