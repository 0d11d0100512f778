package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

func (srv *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	merged, err := boolParam(r, "merged")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rules, err := srv.rules.Rules(r.Context(), merged)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (srv *Server) GetRule(w http.ResponseWriter, r *http.Request) {
	merged, err := boolParam(r, "merged")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := ruleKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := srv.rules.Rule(r.Context(), key, merged)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (srv *Server) SetRule(w http.ResponseWriter, r *http.Request) {
	var rule indexing.IndexingRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, r, err)
		return
	}
	stored, err := srv.rules.UpsertRule(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (srv *Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	key, err := ruleKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := srv.rules.DeleteRule(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: 1})
}

type deletedResponse struct {
	Deleted int `json:"deleted"`
}

func (srv *Server) DeleteRules(w http.ResponseWriter, r *http.Request) {
	var keys []indexing.RuleKey
	if err := decodeBody(r, &keys); err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := srv.rules.DeleteRules(r.Context(), keys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: deleted})
}

// ruleKey reads the identifier from the path. Without an explicit type the
// global rule is a group and everything else a deployment.
func ruleKey(r *http.Request) (indexing.RuleKey, error) {
	key := indexing.RuleKey{
		Identifier:     mux.Vars(r)["identifier"],
		IdentifierType: indexing.IdentifierType(r.URL.Query().Get("type")),
	}
	if key.IdentifierType == "" {
		key.IdentifierType = indexing.IdentifierDeployment
		if key.Identifier == indexing.GlobalIdentifier {
			key.IdentifierType = indexing.IdentifierGroup
		}
	}
	if !key.IdentifierType.Valid() {
		return key, &indexing.ValidationError{Field: "type", Reason: "must be one of deployment, subgraph, group"}
	}
	return key, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &indexing.ValidationError{Field: name, Reason: "must be a boolean"}
	}
	return v, nil
}
