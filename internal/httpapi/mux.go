package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/session"
	"vimms-gateway/internal/timeseries"
)

// SessionController is the part of *session.Session the API drives.
type SessionController interface {
	Status() session.Status
	Connect(ctx context.Context)
	Disconnect()
	SendCommand(ctx context.Context, cmd session.Command) error
	Subscribe(buffer int) (<-chan session.Event, func())
}

// SeriesStore is the part of *timeseries.Store the API drives.
type SeriesStore interface {
	Snapshot() timeseries.Series
	SetRange(r timeseries.Range) error
	Clear()
}

// Heatmap is the part of *geo.Aggregator the API drives.
type Heatmap interface {
	Points() []geo.Point
	Bounds() (geo.Bounds, bool)
	Tracking() bool
	SetTracking(on bool)
	Clear(ctx context.Context) error
	Save(ctx context.Context) error
}

// LinkDropper forces a link loss on a simulated transport.
type LinkDropper interface {
	Drop() bool
}

type Deps struct {
	DB       *sql.DB
	Session  SessionController
	Series   SeriesStore
	Geo      Heatmap
	Position position.Source
	Logger   *slog.Logger

	// BaseContext bounds sessions started over HTTP; request contexts end
	// with the request.
	BaseContext context.Context

	// LinkDropper is set only with the simulated transport.
	LinkDropper LinkDropper
}

func NewMux(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.Position == nil {
		d.Position = position.None{}
	}

	mux := http.NewServeMux()
	registerHealthcheck(mux, d.DB, d.Session)
	registerSession(mux, d)
	registerTimeseries(mux, d)
	registerGeo(mux, d)
	registerLive(mux, d)
	return mux
}
