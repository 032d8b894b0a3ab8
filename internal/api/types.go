package api

import (
	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/history"
)

// ErrorResponse is every protocol error. Clients key off RC.
type ErrorResponse struct {
	Error string `json:"error"`
	RC    int    `json:"rc"`
}

// IndexResponse is returned by GET /.
type IndexResponse struct {
	Message string `json:"message"`
	RC      int    `json:"rc"`
}

// AsyncResponse acknowledges an async submission.
type AsyncResponse struct {
	RC    int    `json:"rc"`
	Async bool   `json:"async"`
	JobID string `json:"job_id"`
}

// ListResponse is returned by GET /file_list.
type ListResponse struct {
	List []string `json:"list"`
}

// ContentResponse is returned by GET /file_rw.
type ContentResponse struct {
	Content string `json:"content"`
}

// RetResponse is returned by POST /file_rw and GET /file_exist.
type RetResponse struct {
	Ret bool `json:"ret"`
}

// VarsResponse is returned by GET /vars_parse.
type VarsResponse struct {
	Vars []string `json:"vars"`
}

// JobResponse wraps a history record.
type JobResponse struct {
	RC  int             `json:"rc"`
	Job *history.Record `json:"job"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Pools         map[string]dispatch.Stats `json:"pools"`
}
