package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"vimms-gateway/internal/utils"
)

type healthchecker struct {
	db      *sql.DB
	session SessionController
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		var ok int
		if err := h.db.QueryRowContext(r.Context(), `SELECT 1`).Scan(&ok); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
			return
		}
	}
	body := map[string]string{"status": "ok"}
	if h.session != nil {
		body["session"] = h.session.Status().State.String()
	}
	utils.WriteJSON(w, http.StatusOK, body)
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, s SessionController) {
	h := &healthchecker{db: db, session: s}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
