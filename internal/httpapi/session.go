package httpapi

import (
	"errors"
	"net/http"

	"vimms-gateway/internal/session"
	"vimms-gateway/internal/utils"
)

type sessionHandler struct {
	d Deps
}

func registerSession(mux *http.ServeMux, d Deps) {
	if d.Session == nil {
		return
	}
	h := &sessionHandler{d: d}
	mux.HandleFunc("GET /api/session", h.handleStatus)
	mux.HandleFunc("POST /api/session/connect", h.handleConnect)
	mux.HandleFunc("POST /api/session/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /api/session/commands/{name}", h.handleCommand)
	if d.LinkDropper != nil {
		mux.HandleFunc("POST /api/sim/drop", h.handleDrop)
	}
}

func (h *sessionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.d.Session.Status())
}

// handleConnect starts a connect sequence; progress arrives on /api/live.
// On a connected session this disconnects, like the toggle it backs.
func (h *sessionHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.d.Session.Connect(h.d.BaseContext)
	utils.WriteJSON(w, http.StatusAccepted, h.d.Session.Status())
}

func (h *sessionHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.d.Session.Disconnect()
	utils.WriteJSON(w, http.StatusOK, h.d.Session.Status())
}

func (h *sessionHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := session.ParseCommand(r.PathValue("name"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.d.Session.SendCommand(r.Context(), cmd); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrNotConnected) {
			status = http.StatusConflict
		}
		utils.WriteError(w, status, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, map[string]string{"command": string(cmd)})
}

// handleDrop cuts the simulated link so the reconnect path can be exercised.
func (h *sessionHandler) handleDrop(w http.ResponseWriter, r *http.Request) {
	if !h.d.LinkDropper.Drop() {
		utils.WriteError(w, http.StatusConflict, "no open link")
		return
	}
	h.d.Logger.Info("sim: link dropped on request")
	utils.WriteJSON(w, http.StatusAccepted, h.d.Session.Status())
}
