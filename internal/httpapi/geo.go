package httpapi

import (
	"log/slog"
	"net/http"

	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/utils"
)

type geoResponse struct {
	Tracking bool          `json:"tracking"`
	Count    int           `json:"count"`
	Points   []geo.Point   `json:"points"`
	// Viewport is the bounding box of the points, or the current fix when
	// there are none. It is absent when neither exists.
	Viewport *geo.Bounds   `json:"viewport,omitempty"`
	Position *position.Fix `json:"position,omitempty"`
}

type trackingRequest struct {
	Enabled *bool `json:"enabled"`
}

type geoHandler struct {
	heatmap Heatmap
	pos     position.Source
	logger  *slog.Logger
}

func registerGeo(mux *http.ServeMux, d Deps) {
	if d.Geo == nil {
		return
	}
	h := &geoHandler{heatmap: d.Geo, pos: d.Position, logger: d.Logger}
	mux.HandleFunc("GET /api/geo", h.handleGet)
	mux.HandleFunc("DELETE /api/geo", h.handleClear)
	mux.HandleFunc("POST /api/geo/snapshot", h.handleSave)
	mux.HandleFunc("PUT /api/geo/tracking", h.handleTracking)
}

func (h *geoHandler) response() geoResponse {
	pts := h.heatmap.Points()
	if pts == nil {
		pts = []geo.Point{}
	}
	resp := geoResponse{Tracking: h.heatmap.Tracking(), Count: len(pts), Points: pts}
	if fix, ok := h.pos.Current(); ok {
		resp.Position = &fix
	}
	if b, ok := h.heatmap.Bounds(); ok {
		resp.Viewport = &b
	} else if resp.Position != nil {
		resp.Viewport = &geo.Bounds{
			South: resp.Position.Lat, North: resp.Position.Lat,
			West: resp.Position.Lng, East: resp.Position.Lng,
		}
	}
	return resp
}

func (h *geoHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.response())
}

func (h *geoHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.heatmap.Clear(r.Context()); err != nil {
		h.logger.Error("geo: clear failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to remove heatmap snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *geoHandler) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := h.heatmap.Save(r.Context()); err != nil {
		h.logger.Error("geo: save failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to save heatmap snapshot")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]int{"count": len(h.heatmap.Points())})
}

func (h *geoHandler) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if err := utils.ReadJSON(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		utils.WriteError(w, http.StatusBadRequest, `"enabled" is required`)
		return
	}
	h.heatmap.SetTracking(*req.Enabled)
	utils.WriteJSON(w, http.StatusOK, map[string]bool{"tracking": h.heatmap.Tracking()})
}
