package api

import (
	"net/http"
	"strings"

	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type allocationResponse struct {
	indexing.Allocation
	Status indexing.AllocationStatus `json:"status"`
}

var allocationStatuses = map[string]indexing.AllocationStatus{
	"null":      indexing.AllocationNull,
	"active":    indexing.AllocationActive,
	"closed":    indexing.AllocationClosed,
	"finalized": indexing.AllocationFinalized,
	"claimed":   indexing.AllocationClaimed,
}

func (srv *Server) ListAllocations(w http.ResponseWriter, r *http.Request) {
	var status indexing.AllocationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, ok := allocationStatuses[strings.ToLower(raw)]
		if !ok {
			writeError(w, r, &indexing.ValidationError{Field: "status", Reason: "unknown allocation status " + raw})
			return
		}
		status = s
	}
	snap, err := network.Load(r.Context(), srv.view)
	if err != nil {
		writeError(w, r, err)
		return
	}
	allocations := snap.ByStatus(status, r.URL.Query().Get("deployment"))
	resp := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		resp = append(resp, allocationResponse{Allocation: a, Status: snap.Status(a)})
	}
	writeJSON(w, http.StatusOK, resp)
}
