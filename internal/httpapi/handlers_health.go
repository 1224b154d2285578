package httpapi

import (
	"net/http"
	"time"

	"ragpilot/internal/domain"
)

type healthInstance struct {
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	EWMALatencyMS float64 `json:"ewma_latency_ms"`
}

type healthComponents struct {
	Instances   []healthInstance `json:"instances"`
	VectorStore string           `json:"vector_store"`
	Reranker    string           `json:"reranker"`
}

type healthResponse struct {
	Status     string           `json:"status"`
	Components healthComponents `json:"components"`
}

// handleHealth always returns 200; the body reflects effective component
// state so monitoring can distinguish "ok" from "degraded" without polling
// every downstream directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	instances := s.Registry.Snapshot()
	healthyCount := 0

	out := make([]healthInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.State == domain.HealthHealthy {
			healthyCount++
		}
		out = append(out, healthInstance{Name: inst.Name, Status: string(inst.State), EWMALatencyMS: inst.EWMALatencyMS})
	}

	status := "ok"
	if healthyCount == 0 {
		status = "degraded"
	}

	reranker := "disabled"
	if s.Reranker != nil {
		reranker = "ok"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: status,
		Components: healthComponents{
			Instances:   out,
			VectorStore: "ok",
			Reranker:    reranker,
		},
	})
}

type instanceResponse struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Models        []string `json:"models"`
	Status        string   `json:"status"`
	EWMALatencyMS float64  `json:"ewma_latency_ms"`
	InFlight      int      `json:"in_flight"`
	LastProbe     string   `json:"last_probe,omitempty"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.Registry.Snapshot()
	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		ir := instanceResponse{
			Name:          inst.Name,
			URL:           inst.URL,
			Models:        inst.Models,
			Status:        string(inst.State),
			EWMALatencyMS: inst.EWMALatencyMS,
			InFlight:      inst.InFlight,
		}
		if !inst.LastProbe.IsZero() {
			ir.LastProbe = inst.LastProbe.Format(time.RFC3339)
		}
		out = append(out, ir)
	}
	writeJSON(w, http.StatusOK, out)
}
