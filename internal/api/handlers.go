package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/ansible-api/internal/gateway"
)

const indexMessage = "Hello, I am Ansible Api"

// handleIndex handles GET /.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, IndexResponse{Message: indexMessage, RC: gateway.CodeNone})
}

// handleHealthz handles GET /healthz (no signature).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pools:         s.stats(),
	})
}

// handleCommandGet refuses GET /command.
func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, gateway.MethodForbidden())
}

// handleCommand handles POST /command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r)
	if !ok {
		return
	}

	res, err := s.service.RunCommand(r.Context(), gateway.CommandRequest{
		Name:      p.str("n"),
		Targets:   p.str("t"),
		Module:    p.str("m"),
		Args:      p.str("a"),
		Become:    p.flag("r"),
		Forks:     p.int("c", gateway.DefaultForks),
		Async:     p.flag("i"),
		Signature: p.str("s"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

// handlePlaybook handles POST /playbook.
func (s *Server) handlePlaybook(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r)
	if !ok {
		return
	}

	res, err := s.service.RunPlaybook(r.Context(), gateway.PlaybookRequest{
		Name:      p.str("n"),
		Hosts:     p.str("h"),
		File:      p.str("f"),
		Forks:     p.int("c", gateway.DefaultForks),
		Async:     p.flag("i"),
		Vars:      p.vars(),
		Signature: p.str("s"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

// handleFileList handles GET /file_list?type=&sign=.
func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	names, err := s.service.ListFiles(r.Context(), q.Get("type"), q.Get("sign"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, ListResponse{List: names})
}

// handleFileRead handles GET /file_rw?type=&name=&sign=.
func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	content, err := s.service.ReadFile(r.Context(), q.Get("type"), q.Get("name"), q.Get("sign"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ContentResponse{Content: content})
}

// handleFileWrite handles POST /file_rw.
func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decode(w, r)
	if !ok {
		return
	}

	written, err := s.service.WriteFile(r.Context(), p.str("p"), p.str("f"), p.str("c"), p.str("s"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RetResponse{Ret: written})
}

// handleFileExist handles GET /file_exist?type=&name=&sign=.
func (s *Server) handleFileExist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exists, err := s.service.FileExists(r.Context(), q.Get("type"), q.Get("name"), q.Get("sign"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RetResponse{Ret: exists})
}

// handleVarsParse handles GET /vars_parse?name=&sign=.
func (s *Server) handleVarsParse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vars, err := s.service.ParseVars(r.Context(), q.Get("name"), q.Get("sign"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if vars == nil {
		vars = []string{}
	}
	respondJSON(w, http.StatusOK, VarsResponse{Vars: vars})
}

// handleGetJob handles GET /job/{jobID}?sign=.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.JobStatus(r.Context(), chi.URLParam(r, "jobID"), r.URL.Query().Get("sign"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{RC: gateway.CodeNone, Job: rec})
}

// handleOpenAPI serves the API description.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.events != nil, s.metrics != nil))
}

// decode reads a JSON object body, answering 400 (or 413) itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (payload, bool) {
	p, err := decodePayload(r)
	if err == nil {
		return p, true
	}

	status := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	ge := gateway.BadRequest(err)
	s.logger.Warn("undecodable request body", "path", r.URL.Path, "error", err)
	respondJSON(w, status, ErrorResponse{Error: ge.Message, RC: ge.Code()})
	return nil, false
}

// writeResult answers with an async acknowledgement or the job outcome.
func (s *Server) writeResult(w http.ResponseWriter, res *gateway.Result) {
	if res.Async {
		respondJSON(w, http.StatusOK, AsyncResponse{RC: gateway.CodeNone, Async: true, JobID: res.JobID})
		return
	}
	outcome := res.Outcome
	if len(outcome) == 0 {
		outcome = json.RawMessage(`{"rc":0}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(outcome)
}

// writeError maps a gateway error onto the {error, rc} body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ge := gateway.AsError(err)
	respondJSON(w, http.StatusOK, ErrorResponse{Error: ge.Message, RC: ge.Code()})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
