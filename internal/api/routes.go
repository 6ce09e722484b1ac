package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/OpenPeerPower/supervisor/internal/jobs"
	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/update"
)

// jobResponse is returned by every operation that queues a job.
type jobResponse struct {
	JobID string `json:"job_id"`
}

// ListComponentsRoute serves GET /v1/components with optional kind and
// state filters.
type ListComponentsRoute struct {
	registry *registry.Registry
}

func NewListComponentsRoute(reg *registry.Registry) *ListComponentsRoute {
	return &ListComponentsRoute{registry: reg}
}

func (h *ListComponentsRoute) Pattern() string { return "/v1/components" }
func (h *ListComponentsRoute) Method() string  { return http.MethodGet }

func (h *ListComponentsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Kind:  registry.Kind(r.URL.Query().Get("kind")),
		State: lifecycle.State(r.URL.Query().Get("state")),
	}
	writeJSON(w, http.StatusOK, h.registry.List(f))
}

// GetComponentRoute serves GET /v1/components/{id}.
type GetComponentRoute struct {
	registry *registry.Registry
}

func NewGetComponentRoute(reg *registry.Registry) *GetComponentRoute {
	return &GetComponentRoute{registry: reg}
}

func (h *GetComponentRoute) Pattern() string { return "/v1/components/{id}" }
func (h *GetComponentRoute) Method() string  { return http.MethodGet }

func (h *GetComponentRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, ok := h.registry.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: component %s", jobs.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// InstallComponentRoute serves POST /v1/components with a manifest body.
type InstallComponentRoute struct {
	jobs *jobs.Manager
}

func NewInstallComponentRoute(jm *jobs.Manager) *InstallComponentRoute {
	return &InstallComponentRoute{jobs: jm}
}

func (h *InstallComponentRoute) Pattern() string { return "/v1/components" }
func (h *InstallComponentRoute) Method() string  { return http.MethodPost }

func (h *InstallComponentRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &jobs.ValidationError{Reason: err.Error()})
		return
	}
	man, err := registry.ParseManifest(r.Context(), raw)
	if err != nil {
		writeError(w, &jobs.ValidationError{Reason: err.Error()})
		return
	}
	j, err := h.jobs.Install(r.Context(), man)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: j.ID})
}

// ComponentActionRoute serves POST /v1/components/{id}/{action} for the
// simple lifecycle operations (start, stop, restart, remove, rebuild,
// reset).
type ComponentActionRoute struct {
	jobs *jobs.Manager
}

func NewComponentActionRoute(jm *jobs.Manager) *ComponentActionRoute {
	return &ComponentActionRoute{jobs: jm}
}

func (h *ComponentActionRoute) Pattern() string {
	return "/v1/components/{id}/{action:start|stop|restart|remove|rebuild|reset}"
}
func (h *ComponentActionRoute) Method() string { return http.MethodPost }

func (h *ComponentActionRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	j, err := h.jobs.Submit(jobs.Request{
		ComponentID: vars["id"],
		Action:      lifecycle.Action(vars["action"]),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: j.ID})
}

// UpdateComponentRoute serves POST /v1/components/{id}/update.
type UpdateComponentRoute struct {
	coordinator *update.Coordinator
}

func NewUpdateComponentRoute(coord *update.Coordinator) *UpdateComponentRoute {
	return &UpdateComponentRoute{coordinator: coord}
}

func (h *UpdateComponentRoute) Pattern() string { return "/v1/components/{id}/update" }
func (h *UpdateComponentRoute) Method() string  { return http.MethodPost }

func (h *UpdateComponentRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &jobs.ValidationError{Reason: err.Error()})
		return
	}
	j, err := h.coordinator.Update(mux.Vars(r)["id"], body.Version)
	if err != nil {
		if errors.Is(err, update.ErrUpToDate) {
			writeJSON(w, http.StatusOK, map[string]string{"result": "already installed"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: j.ID})
}

// ComponentStatsRoute serves GET /v1/components/{id}/stats.
type ComponentStatsRoute struct {
	registry *registry.Registry
	runtime  runtime.Runtime
}

func NewComponentStatsRoute(reg *registry.Registry, rt runtime.Runtime) *ComponentStatsRoute {
	return &ComponentStatsRoute{registry: reg, runtime: rt}
}

func (h *ComponentStatsRoute) Pattern() string { return "/v1/components/{id}/stats" }
func (h *ComponentStatsRoute) Method() string  { return http.MethodGet }

func (h *ComponentStatsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	comp, ok := h.registry.Get(id)
	if !ok || comp.ContainerID == "" {
		writeError(w, fmt.Errorf("%w: component %s", jobs.ErrNotFound, id))
		return
	}
	usage, err := h.runtime.Stats(r.Context(), comp.ContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// ListJobsRoute serves GET /v1/jobs.
type ListJobsRoute struct {
	jobs *jobs.Manager
}

func NewListJobsRoute(jm *jobs.Manager) *ListJobsRoute {
	return &ListJobsRoute{jobs: jm}
}

func (h *ListJobsRoute) Pattern() string { return "/v1/jobs" }
func (h *ListJobsRoute) Method() string  { return http.MethodGet }

func (h *ListJobsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Jobs())
}

// GetJobRoute serves GET /v1/jobs/{id}, optionally blocking with ?wait=1
// until the job reaches a terminal status.
type GetJobRoute struct {
	jobs *jobs.Manager
}

func NewGetJobRoute(jm *jobs.Manager) *GetJobRoute {
	return &GetJobRoute{jobs: jm}
}

func (h *GetJobRoute) Pattern() string { return "/v1/jobs/{id}" }
func (h *GetJobRoute) Method() string  { return http.MethodGet }

func (h *GetJobRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if r.URL.Query().Get("wait") != "" {
		st, err := h.jobs.Await(r.Context(), id)
		if err != nil && errors.Is(err, jobs.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	st, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelJobRoute serves DELETE /v1/jobs/{id}.
type CancelJobRoute struct {
	jobs *jobs.Manager
}

func NewCancelJobRoute(jm *jobs.Manager) *CancelJobRoute {
	return &CancelJobRoute{jobs: jm}
}

func (h *CancelJobRoute) Pattern() string { return "/v1/jobs/{id}" }
func (h *CancelJobRoute) Method() string  { return http.MethodDelete }

func (h *CancelJobRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
