package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MountRoutes registers all API routes on the given chi router. The
// WebSocket reviewer channel and health endpoint are mounted alongside the
// REST surface.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/health", h.Health)
	r.Get("/ws", wsHandler)

	r.Route("/api", func(r chi.Router) {
		// The reviewer channel on /ws is long-lived; only the REST
		// surface gets a request timeout.
		r.Use(chimw.Timeout(30 * time.Second))

		r.Get("/stats", h.GetStats)

		// Dashboard reads
		r.Get("/projects", h.ListProjects)
		r.Get("/projects/{id}", h.GetProject)
		r.Get("/projects/{id}/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/runs/{id}/request_groups", h.ListRunRequestGroups)
		r.Get("/request_groups/{id}", h.GetRequestGroup)
		r.Get("/supervision_requests/{id}", h.GetSupervisionRequest)
		r.Get("/supervision_requests/{id}/result", h.GetSupervisionResult)

		// Supervisor configuration
		r.Get("/supervisors", h.ListSupervisors)
		r.Post("/supervisors", h.CreateSupervisor)
		r.Get("/supervisors/{id}", h.GetSupervisor)
		r.Get("/chains/{id}", h.GetChain)
		r.Post("/chains", h.CreateChain)

		// Automated reviewer
		r.Get("/review/llm/list", h.ListReviewerResults)
		r.Get("/review/llm/prompt", h.GetReviewerPrompt)
		r.Post("/review/llm/prompt", h.SetReviewerPrompt)

		// Explanations
		r.Post("/explain", h.Explain)
	})
}
