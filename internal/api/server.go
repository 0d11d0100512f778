package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/actions"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type RuleStore interface {
	UpsertRule(ctx context.Context, rule indexing.IndexingRule) (indexing.IndexingRule, error)
	DeleteRule(ctx context.Context, key indexing.RuleKey) error
	DeleteRules(ctx context.Context, keys []indexing.RuleKey) (int, error)
	Rule(ctx context.Context, key indexing.RuleKey, merged bool) (indexing.IndexingRule, error)
	Rules(ctx context.Context, merged bool) ([]indexing.IndexingRule, error)
}

type ActionQueue interface {
	Enqueue(ctx context.Context, inputs []indexing.ActionInput) ([]indexing.Action, error)
	Update(ctx context.Context, id int64, input indexing.ActionInput) (indexing.Action, error)
	Approve(ctx context.Context, ids []int64) (actions.TransitionResult, error)
	Cancel(ctx context.Context, ids []int64) (actions.TransitionResult, error)
	Delete(ctx context.Context, ids []int64) (int, error)
	Get(ctx context.Context, id int64) (indexing.Action, error)
	List(ctx context.Context, filter indexing.ActionFilter, order indexing.ActionOrder) ([]indexing.Action, error)
}

type Executor interface {
	ExecuteApproved(ctx context.Context) ([]indexing.Action, error)
}

type DecisionRunner interface {
	Run(ctx context.Context) ([]indexing.Action, error)
}

type ConversionRate interface {
	Get() decimal.Decimal
	Set(next decimal.Decimal) bool
}

type Server struct {
	rules     RuleStore
	queue     ActionQueue
	executor  Executor
	decisions DecisionRunner
	view      network.View
	rate      ConversionRate

	operatorToken string
}

// OperatorTokenHeader carries the token of privileged callers.
const OperatorTokenHeader = "X-Operator-Token"

func NewServer(
	rules RuleStore,
	queue ActionQueue,
	executor Executor,
	decisions DecisionRunner,
	view network.View,
	rate ConversionRate,
) *Server {
	return &Server{
		rules:     rules,
		queue:     queue,
		executor:  executor,
		decisions: decisions,
		view:      view,
		rate:      rate,
	}
}

// WithOperatorToken restricts privileged requests, such as queueing actions
// already approved, to callers presenting the token. With an empty token every
// caller is privileged.
func (srv *Server) WithOperatorToken(token string) *Server {
	srv.operatorToken = token
	return srv
}

func (srv *Server) privileged(r *http.Request) bool {
	if srv.operatorToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(OperatorTokenHeader)), []byte(srv.operatorToken)) == 1
}

func (srv *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/indexing-rules", srv.ListRules).Methods(http.MethodGet)
	r.HandleFunc("/indexing-rules", srv.SetRule).Methods(http.MethodPut)
	r.HandleFunc("/indexing-rules/delete", srv.DeleteRules).Methods(http.MethodPost)
	r.HandleFunc("/indexing-rules/{identifier}", srv.GetRule).Methods(http.MethodGet)
	r.HandleFunc("/indexing-rules/{identifier}", srv.DeleteRule).Methods(http.MethodDelete)

	r.HandleFunc("/allocations", srv.ListAllocations).Methods(http.MethodGet)

	r.HandleFunc("/actions", srv.ListActions).Methods(http.MethodGet)
	r.HandleFunc("/actions", srv.QueueActions).Methods(http.MethodPost)
	r.HandleFunc("/actions/approve", srv.ApproveActions).Methods(http.MethodPost)
	r.HandleFunc("/actions/cancel", srv.CancelActions).Methods(http.MethodPost)
	r.HandleFunc("/actions/delete", srv.DeleteActions).Methods(http.MethodPost)
	r.HandleFunc("/actions/execute", srv.ExecuteApprovedActions).Methods(http.MethodPost)
	r.HandleFunc("/actions/{id:[0-9]+}", srv.GetAction).Methods(http.MethodGet)
	r.HandleFunc("/actions/{id:[0-9]+}", srv.UpdateAction).Methods(http.MethodPut)

	r.HandleFunc("/conversion-rate", srv.GetConversionRate).Methods(http.MethodGet)
	r.HandleFunc("/conversion-rate", srv.SetConversionRate).Methods(http.MethodPut)
	r.HandleFunc("/decisions/run", srv.RunDecisions).Methods(http.MethodPost)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeError maps the error taxonomy onto http statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *indexing.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: validation.Field})
	case indexing.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case indexing.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msgf("%s %s failed", r.Method, r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &indexing.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
