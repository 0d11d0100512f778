package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

func (srv *Server) ListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := indexing.ActionFilter{
		Type:         indexing.ActionType(q.Get("type")),
		Source:       q.Get("source"),
		Reason:       q.Get("reason"),
		DeploymentID: q.Get("deploymentID"),
		AllocationID: q.Get("allocationID"),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, &indexing.ValidationError{Field: "type", Reason: "unknown action type " + string(filter.Type)})
		return
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := indexing.ActionStatus(strings.TrimSpace(s))
			if !status.Valid() {
				writeError(w, r, &indexing.ValidationError{Field: "status", Reason: "unknown action status " + string(status)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	order := indexing.ActionOrder{
		Field:     indexing.ActionOrderField(q.Get("orderBy")),
		Direction: indexing.OrderDirection(strings.ToLower(q.Get("orderDirection"))),
	}
	list, err := srv.queue.List(r.Context(), filter, order)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (srv *Server) GetAction(w http.ResponseWriter, r *http.Request) {
	id, err := actionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, err := srv.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (srv *Server) QueueActions(w http.ResponseWriter, r *http.Request) {
	var inputs []indexing.ActionInput
	if err := decodeBody(r, &inputs); err != nil {
		writeError(w, r, err)
		return
	}
	for _, in := range inputs {
		if in.Status == indexing.ActionApproved && !srv.privileged(r) {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Error: "queueing approved actions requires " + OperatorTokenHeader,
				Field: "status",
			})
			return
		}
	}
	stored, err := srv.queue.Enqueue(r.Context(), inputs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (srv *Server) UpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := actionID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input indexing.ActionInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := srv.queue.Update(r.Context(), id, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (srv *Server) ApproveActions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := srv.queue.Approve(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) CancelActions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := srv.queue.Cancel(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) DeleteActions(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := srv.queue.Delete(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: deleted})
}

func (srv *Server) ExecuteApprovedActions(w http.ResponseWriter, r *http.Request) {
	executed, err := srv.executor.ExecuteApproved(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executed)
}

func actionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, &indexing.ValidationError{Field: "id", Reason: "must be an integer"}
	}
	return id, nil
}
