package httpapi

import (
	"net/http"

	"vimms-gateway/internal/timeseries"
	"vimms-gateway/internal/utils"
)

type rangeRequest struct {
	Range string `json:"range"`
}

func registerTimeseries(mux *http.ServeMux, d Deps) {
	if d.Series == nil {
		return
	}
	s := d.Series

	mux.HandleFunc("GET /api/timeseries", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, s.Snapshot())
	})

	mux.HandleFunc("PUT /api/timeseries/range", func(w http.ResponseWriter, r *http.Request) {
		var req rangeRequest
		if err := utils.ReadJSON(w, r, &req); err != nil {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		rng, err := timeseries.ParseRange(req.Range)
		if err != nil {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.SetRange(rng); err != nil {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.WriteJSON(w, http.StatusOK, s.Snapshot())
	})

	mux.HandleFunc("DELETE /api/timeseries", func(w http.ResponseWriter, r *http.Request) {
		s.Clear()
		w.WriteHeader(http.StatusNoContent)
	})
}
