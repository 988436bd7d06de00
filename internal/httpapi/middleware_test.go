package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestRequestLogger_RecordsStatus(t *testing.T) {
	var seen *statusRecorder
	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.(*statusRecorder)
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Code = %d; want %d", w.Code, http.StatusTeapot)
	}
	if seen == nil || seen.status != http.StatusTeapot {
		t.Errorf("recorded status = %v; want %d", seen, http.StatusTeapot)
	}
}

func TestRequestLogger_AllowsUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(requestLogger(f.mux))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	_ = conn.Close()
}
