package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vimms-gateway/internal/session"
)

const (
	liveBuffer     = 64
	liveWriteWait  = 5 * time.Second
	livePingPeriod = 30 * time.Second
	livePongWait   = livePingPeriod + 10*time.Second
	liveReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveHello is the first message on a live connection.
type liveHello struct {
	Kind   string         `json:"kind"`
	Status session.Status `json:"status"`
}

type liveHandler struct {
	d      Deps
	logger *slog.Logger
}

func registerLive(mux *http.ServeMux, d Deps) {
	if d.Session == nil {
		return
	}
	h := &liveHandler{d: d, logger: d.Logger.With("component", "live")}
	mux.HandleFunc("GET /api/live", h.handle)
}

// handle streams session events as JSON text messages until the client
// goes away or the gateway shuts down. Clients never write; anything they
// send is discarded.
func (h *liveHandler) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("live: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.d.Session.Subscribe(liveBuffer)
	defer unsubscribe()

	h.logger.Info("live: client connected", "remote", r.RemoteAddr)
	defer h.logger.Info("live: client disconnected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(liveReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			h.logger.Debug("live: write failed", "error", err)
			return false
		}
		return true
	}

	if !write(liveHello{Kind: "hello", Status: h.d.Session.Status()}) {
		return
	}

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if !write(e) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-h.d.BaseContext.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"),
				time.Now().Add(liveWriteWait))
			return
		}
	}
}
