package httpapi

import (
	"encoding/json"
	"net/http"
)

type classifyRequest struct {
	Query string `json:"query"`
}

type classifyResponse struct {
	Category        string `json:"category"`
	ChosenModel     string `json:"chosen_model"`
	ChosenInstance  string `json:"chosen_instance"`
}

// handleClassify has no side effects: it runs the same routing decision
// /chat would make, without retrieval or generation.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "invalid JSON")
		return
	}
	if req.Query == "" {
		writeValidationError(w, "query", "required")
		return
	}

	model, inst, category, err := s.Router.Route(req.Query, "", false, "")
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, classifyResponse{
		Category:       string(category),
		ChosenModel:    model,
		ChosenInstance: inst.Name,
	})
}
