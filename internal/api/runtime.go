package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type conversionRateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

type conversionRateResponse struct {
	Rate    decimal.Decimal `json:"rate"`
	Changed bool            `json:"changed"`
}

func (srv *Server) GetConversionRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, conversionRateResponse{Rate: srv.rate.Get()})
}

func (srv *Server) SetConversionRate(w http.ResponseWriter, r *http.Request) {
	var req conversionRateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Rate.IsPositive() {
		writeError(w, r, &indexing.ValidationError{Field: "rate", Reason: "must be positive"})
		return
	}
	changed := srv.rate.Set(req.Rate)
	writeJSON(w, http.StatusOK, conversionRateResponse{Rate: srv.rate.Get(), Changed: changed})
}

func (srv *Server) RunDecisions(w http.ResponseWriter, r *http.Request) {
	queued, err := srv.decisions.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queued)
}
