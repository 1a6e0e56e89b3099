package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowmesh/conductor/internal/proposal"
	"github.com/flowmesh/conductor/pkg/types"
)

// ListPatterns handles GET /api/v1/patterns
func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": h.miner.Patterns(),
	})
}

// ListProposals handles GET /api/v1/proposals?status=proposed
func (h *Handlers) ListProposals(w http.ResponseWriter, r *http.Request) {
	status := types.ProposalStatus(r.URL.Query().Get("status"))
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": h.proposals.List(status),
	})
}

// GetProposal handles GET /api/v1/proposals/{id}
func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.Get(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusNotFound, "proposal not found", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// resolveRequest is the optional body for proposal transitions.
type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// ApproveProposal handles POST /api/v1/proposals/{id}/approve
func (h *Handlers) ApproveProposal(w http.ResponseWriter, r *http.Request) {
	h.transitionProposal(w, r, h.proposals.Approve)
}

// RejectProposal handles POST /api/v1/proposals/{id}/reject
func (h *Handlers) RejectProposal(w http.ResponseWriter, r *http.Request) {
	h.transitionProposal(w, r, h.proposals.Reject)
}

// ApplyProposal handles POST /api/v1/proposals/{id}/apply
func (h *Handlers) ApplyProposal(w http.ResponseWriter, r *http.Request) {
	h.transitionProposal(w, r, h.proposals.Apply)
}

func (h *Handlers) transitionProposal(w http.ResponseWriter, r *http.Request, fn func(id, resolvedBy string) (*types.ImprovementProposal, error)) {
	id := mux.Vars(r)["id"]
	var req resolveRequest
	decodeJSONBody(r, &req) // body is optional

	p, err := fn(id, req.ResolvedBy)
	if err != nil {
		var ite *proposal.InvalidTransitionError
		switch {
		case errors.Is(err, proposal.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "proposal not found", err)
		case errors.Is(err, proposal.ErrAlreadyApplied):
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict,
				"proposal already applied", nil)
		case errors.As(err, &ite):
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict,
				err.Error(), map[string]interface{}{"from": ite.From, "to": ite.To})
		default:
			h.respondError(w, http.StatusInternalServerError, "proposal transition failed", err)
		}
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}
