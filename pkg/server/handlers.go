package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/job"
)

// submitRequest is the wire form of a job submission. Timeouts are
// milliseconds, matching browser-automation convention.
type submitRequest struct {
	Actions    []actionRequest `json:"actions"`
	Priority   int             `json:"priority,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	Idempotent bool            `json:"idempotent,omitempty"`
}

type actionRequest struct {
	Kind string `json:"kind"`

	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"wait_until,omitempty"`

	Selector string `json:"selector,omitempty"`
	State    string `json:"state,omitempty"`
	DelayMS  int64  `json:"delay_ms,omitempty"`

	Target string `json:"target,omitempty"`
	Op     string `json:"op,omitempty"`
	Value  string `json:"value,omitempty"`

	Extract *extractRequest `json:"extract,omitempty"`
	Capture string          `json:"capture,omitempty"`

	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	Retries   int   `json:"retries,omitempty"`
	Optional  bool  `json:"optional,omitempty"`
}

type extractRequest struct {
	Kind      string `json:"kind,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type submitResponse struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

type jobResponse struct {
	ID     string      `json:"id"`
	Status job.Status  `json:"status"`
	Result *job.Result `json:"result,omitempty"`
}

// toJob converts the wire form into the domain job, validating
// navigation targets against the URL allowlist.
func (s *Server) toJob(req submitRequest) (*job.Job, error) {
	actions := make([]job.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		action := job.Action{
			Kind:      job.ActionKind(a.Kind),
			URL:       a.URL,
			WaitUntil: a.WaitUntil,
			Target:    a.Target,
			Op:        job.InteractOp(a.Op),
			Value:     a.Value,
			Capture:   job.CaptureKind(a.Capture),
			Timeout:   time.Duration(a.TimeoutMS) * time.Millisecond,
			Retries:   a.Retries,
			Optional:  a.Optional,
		}
		if action.Kind == job.ActionWait {
			action.Wait = &job.WaitCondition{
				Selector: a.Selector,
				State:    a.State,
				Delay:    time.Duration(a.DelayMS) * time.Millisecond,
			}
		}
		if a.Extract != nil {
			action.Extract = &job.ExtractSpec{
				Kind:      job.ExtractKind(a.Extract.Kind),
				Selector:  a.Extract.Selector,
				Attribute: a.Extract.Attribute,
			}
		}
		if action.Kind == job.ActionNavigate {
			if err := s.urls.Validate(a.URL); err != nil {
				return nil, err
			}
		}
		actions = append(actions, action)
	}

	j := job.New(actions)
	j.Priority = job.Priority(req.Priority)
	j.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	j.Idempotent = req.Idempotent
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	j, err := s.toJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	id, err := s.sched.Submit(j)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.JobSubmitted()

	wait := s.cfg.Mode == config.ModeSync
	switch r.URL.Query().Get("wait") {
	case "1", "true":
		wait = true
	case "0", "false":
		wait = false
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: job.StatusQueued})
		return
	}

	res, err := s.sched.Wait(r.Context(), id)
	if err != nil {
		// The client went away; the job keeps running for pollers.
		writeError(w, http.StatusRequestTimeout, "", "request cancelled while waiting")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{ID: id, Status: res.Status, Result: &res})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.sched.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{ID: snap.ID, Status: snap.Status, Result: snap.Result})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Cancel(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status    string `json:"status"`
		Instances int    `json:"instances"`
		Queue     int    `json:"queue_depth"`
		Running   int    `json:"running"`
	}
	h := health{
		Status:    "ok",
		Instances: len(s.pool.Instances()),
		Queue:     s.sched.QueueDepth(),
		Running:   s.sched.Running(),
	}
	code := http.StatusOK
	if s.pool.Degraded() {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// writeEngineError maps the engine's error taxonomy to HTTP codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	kind := job.ErrKind(err)
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "", "job not found")
	case errors.Is(err, job.ErrQueueSaturated):
		writeError(w, http.StatusTooManyRequests, kind, err.Error())
	case errors.Is(err, job.ErrQueueTimeout):
		writeError(w, http.StatusGatewayTimeout, kind, err.Error())
	case kind == job.KindLaunch:
		writeError(w, http.StatusServiceUnavailable, kind, err.Error())
	default:
		writeError(w, http.StatusBadRequest, kind, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Kind: kind})
}
