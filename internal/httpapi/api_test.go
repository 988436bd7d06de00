package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/reading"
	"vimms-gateway/internal/session"
	"vimms-gateway/internal/timeseries"
)

type fakeSession struct {
	mu          sync.Mutex
	bus         *session.Bus
	status      session.Status
	connects    int
	disconnects int
	sent        []session.Command
	cmdErr      error
}

func newFakeSession() *fakeSession {
	return &fakeSession{bus: session.NewBus(discard()), status: session.Status{State: session.StateIdle}}
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Connect(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.status.State = session.StateScanning
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status.State = session.StateDisconnected
}

func (f *fakeSession) SendCommand(_ context.Context, cmd session.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSession) Subscribe(buffer int) (<-chan session.Event, func()) {
	return f.bus.Subscribe(buffer)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *memStore) Save(_ context.Context, k string, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[k] = b
	return nil
}

func (m *memStore) Load(_ context.Context, k string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[k]
	return b, ok, nil
}

func (m *memStore) Remove(_ context.Context, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, k)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	mux     *http.ServeMux
	session *fakeSession
	series  *timeseries.Store
	geo     *geo.Aggregator
	store   *memStore
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, pos position.Source) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	series, err := timeseries.New(timeseries.Options{})
	if err != nil {
		t.Fatalf("timeseries.New: %v", err)
	}
	store := &memStore{data: map[string][]byte{}}
	agg := geo.New(geo.Options{Store: store, Tracking: true, Logger: discard()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := newFakeSession()
	mux := NewMux(Deps{
		DB:          db,
		Session:     fs,
		Series:      series,
		Geo:         agg,
		Position:    pos,
		Logger:      discard(),
		BaseContext: ctx,
	})
	return &fixture{mux: mux, session: fs, series: series, geo: agg, store: store, cancel: cancel}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, httptest.NewRequest(method, path, rd))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d; want 200", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["status"] != "ok" || body["session"] != "idle" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthz_DBDown(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_ = db.Close()
	mux := NewMux(Deps{DB: db, Logger: discard()})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Code = %d; want 500", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do(t, http.MethodPost, "/api/session/connect", ""); w.Code != http.StatusAccepted {
		t.Errorf("connect Code = %d; want 202", w.Code)
	}
	if f.session.connects != 1 {
		t.Errorf("connects = %d; want 1", f.session.connects)
	}

	st := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/session", ""))
	if st["state"] != "scanning" {
		t.Errorf("state = %v; want scanning", st["state"])
	}

	if w := f.do(t, http.MethodPost, "/api/session/disconnect", ""); w.Code != http.StatusOK {
		t.Errorf("disconnect Code = %d; want 200", w.Code)
	}
	if f.session.disconnects != 1 {
		t.Errorf("disconnects = %d; want 1", f.session.disconnects)
	}
}

func TestCommandEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"info", "/api/session/commands/info", nil, http.StatusAccepted},
		{"clean", "/api/session/commands/clean", nil, http.StatusAccepted},
		{"unknown", "/api/session/commands/selfdestruct", nil, http.StatusBadRequest},
		{"not connected", "/api/session/commands/reset", fmt.Errorf("send reset: %w", session.ErrNotConnected), http.StatusConflict},
		{"write failure", "/api/session/commands/reset", errors.New("gatt write failed"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.session.cmdErr = tt.err
			if w := f.do(t, http.MethodPost, tt.path, ""); w.Code != tt.status {
				t.Errorf("Code = %d; want %d", w.Code, tt.status)
			}
		})
	}
}

func TestTimeseriesEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.series.Append(reading.Reading{}.With(reading.PM2_5, 10).With(reading.PM10, 40))

	got := decode[timeseries.Series](t, f.do(t, http.MethodGet, "/api/timeseries", ""))
	if len(got.PM2_5) != 1 || got.Range != timeseries.Range5m {
		t.Errorf("series = %+v", got)
	}
	if got.Ceiling != 48 {
		t.Errorf("Ceiling = %v; want 48", got.Ceiling)
	}

	if w := f.do(t, http.MethodPut, "/api/timeseries/range", `{"range":"1h"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad range Code = %d; want 400", w.Code)
	}
	w := f.do(t, http.MethodPut, "/api/timeseries/range", `{"range":"30m"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("range Code = %d; want 200", w.Code)
	}
	if got := decode[timeseries.Series](t, w); got.Range != timeseries.Range30m || got.Bound != 900 {
		t.Errorf("after SetRange = %s/%d; want 30m/900", got.Range, got.Bound)
	}

	if w := f.do(t, http.MethodDelete, "/api/timeseries", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear Code = %d; want 204", w.Code)
	}
	if f.series.Len() != 0 {
		t.Errorf("Len() = %d after clear; want 0", f.series.Len())
	}
}

func TestGeoEndpoints(t *testing.T) {
	fix := position.Fix{Lat: 52.5, Lng: 13.4, Time: time.Now()}
	f := newFixture(t, position.NewStatic(fix))

	got := decode[geoResponse](t, f.do(t, http.MethodGet, "/api/geo", ""))
	if got.Count != 0 || got.Viewport == nil || got.Viewport.North != 52.5 {
		t.Errorf("empty geo = %+v; want viewport at current fix", got)
	}

	f.geo.AddPoint(&fix, reading.Reading{}.With(reading.PM2_5, 9))
	got = decode[geoResponse](t, f.do(t, http.MethodGet, "/api/geo", ""))
	if got.Count != 1 || len(got.Points) != 1 || !got.Tracking {
		t.Errorf("geo = %+v", got)
	}

	if w := f.do(t, http.MethodPost, "/api/geo/snapshot", ""); w.Code != http.StatusOK {
		t.Errorf("snapshot Code = %d; want 200", w.Code)
	}
	if _, ok := f.store.data[geo.DefaultSnapshotKey]; !ok {
		t.Error("snapshot not stored")
	}

	if w := f.do(t, http.MethodPut, "/api/geo/tracking", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("tracking without enabled Code = %d; want 400", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/api/geo/tracking", `{"enabled":false}`); w.Code != http.StatusOK {
		t.Errorf("tracking Code = %d; want 200", w.Code)
	}
	if f.geo.Tracking() {
		t.Error("Tracking() = true after disabling")
	}

	if w := f.do(t, http.MethodDelete, "/api/geo", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear Code = %d; want 204", w.Code)
	}
	if f.geo.Len() != 0 {
		t.Errorf("Len() = %d after clear", f.geo.Len())
	}
	if _, ok := f.store.data[geo.DefaultSnapshotKey]; ok {
		t.Error("snapshot survived clear")
	}
}

func TestGeo_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.geo.AddPoint(&position.Fix{Lat: 1, Lng: 1}, reading.Reading{}.With(reading.PM2_5, 9))
	f.store.err = errors.New("disk full")

	if w := f.do(t, http.MethodPost, "/api/geo/snapshot", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("snapshot Code = %d; want 500", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/geo", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("clear Code = %d; want 500", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/api/session/connect", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Code = %d; want 405", w.Code)
	}
}

type fakeDropper struct {
	open  bool
	drops int
}

func (d *fakeDropper) Drop() bool {
	if !d.open {
		return false
	}
	d.open = false
	d.drops++
	return true
}

func TestSimDropEndpoint(t *testing.T) {
	if w := newFixture(t, nil).do(t, http.MethodPost, "/api/sim/drop", ""); w.Code != http.StatusNotFound {
		t.Errorf("without dropper Code = %d; want 404", w.Code)
	}

	d := &fakeDropper{open: true}
	mux := NewMux(Deps{Session: newFakeSession(), LinkDropper: d, Logger: discard()})
	drop := func() int {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sim/drop", nil))
		return w.Code
	}

	if got := drop(); got != http.StatusAccepted {
		t.Errorf("first drop Code = %d; want 202", got)
	}
	if got := drop(); got != http.StatusConflict {
		t.Errorf("second drop Code = %d; want 409", got)
	}
	if d.drops != 1 {
		t.Errorf("drops = %d; want 1", d.drops)
	}
}
