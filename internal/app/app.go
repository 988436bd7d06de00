package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vimms-gateway/internal/ble"
	"vimms-gateway/internal/config"
	"vimms-gateway/internal/db"
	"vimms-gateway/internal/frame"
	"vimms-gateway/internal/geo"
	"vimms-gateway/internal/httpapi"
	"vimms-gateway/internal/influx"
	"vimms-gateway/internal/mqtt"
	"vimms-gateway/internal/position"
	"vimms-gateway/internal/session"
	"vimms-gateway/internal/sim"
	"vimms-gateway/internal/timeseries"
)

const subscriberBuffer = 64

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"transport", cfg.Transport,
		"bleAdapter", cfg.BLEAdapter,
		"namePrefix", cfg.NamePrefix,
		"profile", cfg.Profile,
		"scanTimeout", cfg.ScanTimeout,
		"autoConnect", cfg.AutoConnect,
		"rescanInterval", cfg.RescanInterval,
		"sqlitePath", cfg.SQLitePath,
		"mqttBroker", cfg.MQTTBroker,
		"influxURL", cfg.InfluxURL,
	)

	dbConn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()
	logger.Info("database connection successful")

	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	profile, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return err
	}

	bus := session.NewBus(logger)
	defer bus.Close()

	opts := session.Options{
		Filter:       session.Filter{NamePrefix: cfg.NamePrefix},
		ServiceID:    cfg.ServiceUUID,
		WriteCharID:  cfg.WriteUUID,
		NotifyCharID: cfg.NotifyUUID,
		ScanTimeout:  cfg.ScanTimeout,
		Profile:      profile,
		Decoder:      frame.NewDecoder(frame.Options{HonorMask: cfg.RawHonorMask}),
		Bus:          bus,
		Logger:       logger.With("component", "session"),
	}
	if len(profiles.Rules) > 0 {
		opts.SelectProfile = profiles.Selector(profile)
	}
	transport := newTransport(cfg, logger)
	sess := session.New(transport, opts)

	series, err := newSeries(cfg)
	if err != nil {
		return err
	}

	pos, err := newPosition(cfg, logger)
	if err != nil {
		return err
	}

	agg := geo.New(geo.Options{
		Store:       db.NewSnapshotStore(dbConn),
		SnapshotKey: cfg.GeoSnapshotKey,
		Tracking:    cfg.GeoTracking,
		Logger:      logger.With("component", "geo"),
	})
	if _, ok, err := agg.Restore(ctx); err != nil {
		logger.Warn("geo: snapshot not restored", "error", err)
	} else if ok {
		logger.Info("geo: snapshot restored", "points", agg.Len())
	}

	// Background workers stop on workCtx, after the HTTP server has drained.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	subscribe := func(fn func(session.Event)) {
		events, unsubscribe := bus.Subscribe(subscriberBuffer)
		spawn(func() {
			defer unsubscribe()
			consume(workCtx, events, fn)
		})
	}

	if gps, ok := pos.(*position.GPS); ok {
		defer gps.Watch(fixLogger(logger.With("component", "gps"), fixGap))()
		spawn(func() {
			if err := gps.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("gps stopped; heatmap sampling paused", "device", cfg.GPSDevice, "error", err)
			}
		})
	}

	sampler := geo.NewSampler(agg, pos, cfg.GeoSampleInterval, logger.With("component", "geo"))
	spawn(func() { _ = sampler.Run(workCtx) })
	spawn(func() { _ = geo.NewAutosave(agg, cfg.GeoAutosaveInterval, logger.With("component", "geo")).Run(workCtx) })

	subscribe(seriesConsumer(series))
	subscribe(heatmapConsumer(sampler))

	var mqttClient *mqtt.Client
	if cfg.MQTTBroker != "" {
		mqttClient, err = mqtt.NewClient(cfg, logger)
		if err != nil {
			return err
		}
		// Short timeout so startup is not blocked while the broker is down.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = mqttClient.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
		subscribe(mqttConsumer(mqttClient, sess, pos, logger))
	}

	var influxWriter *influx.Writer
	if cfg.InfluxURL != "" {
		influxWriter = influx.NewWriter(cfg, logger)
		if !influxWriter.Ping(ctx) {
			logger.Warn("influx unreachable; points are buffered", "url", cfg.InfluxURL)
		}
		subscribe(influxConsumer(influxWriter, pos))
	}

	if cfg.RescanInterval > 0 {
		events, unsubscribe := bus.Subscribe(subscriberBuffer)
		sv := newSupervisor(sess, cfg.RescanInterval, logger)
		spawn(func() {
			defer unsubscribe()
			sv.Run(workCtx, events)
		})
	}

	mux := httpapi.NewMux(httpapi.Deps{
		DB:          dbConn,
		Session:     sess,
		Series:      series,
		Geo:         agg,
		Position:    pos,
		Logger:      logger,
		BaseContext: workCtx,
		LinkDropper: linkDropper(transport),
	})
	srv := httpapi.NewServer(workCtx, cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	if cfg.AutoConnect {
		sess.Connect(workCtx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
		errCh = nil
	}

	logger.Info("gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess.Disconnect()
	stopWork()

	if errCh != nil {
		logger.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}

	wg.Wait()

	if mqttClient != nil {
		logger.Info("mqtt disconnecting")
		mqttClient.Disconnect()
	}
	if influxWriter != nil {
		influxWriter.Close()
	}

	return runErr
}

func newTransport(cfg config.Config, logger *slog.Logger) session.Transport {
	if cfg.Transport == "sim" {
		return sim.New(sim.Options{
			Name:         cfg.NamePrefix + "-SIM",
			Interval:     cfg.SimInterval,
			ServiceID:    cfg.ServiceUUID,
			WriteCharID:  cfg.WriteUUID,
			NotifyCharID: cfg.NotifyUUID,
			Logger:       logger,
		})
	}
	return ble.NewTransport(ble.Options{Adapter: cfg.BLEAdapter, Logger: logger})
}

// linkDropper exposes forced link loss only for the simulated transport.
func linkDropper(t session.Transport) httpapi.LinkDropper {
	if st, ok := t.(*sim.Transport); ok {
		return st
	}
	return nil
}

func newSeries(cfg config.Config) (*timeseries.Store, error) {
	active, err := timeseries.ParseRange(cfg.TimeseriesRange)
	if err != nil {
		return nil, err
	}
	opts := timeseries.Options{Active: active}
	if cfg.TimeseriesCompact {
		opts.Bounds = timeseries.CompactBounds()
	}
	return timeseries.New(opts)
}

func newPosition(cfg config.Config, logger *slog.Logger) (position.Source, error) {
	switch {
	case cfg.GPSDevice != "":
		return position.NewGPS(position.GPSOptions{
			Device: cfg.GPSDevice,
			Logger: logger.With("component", "gps"),
		}), nil
	case cfg.FixedPosition != "":
		fix, err := position.ParseFix(cfg.FixedPosition)
		if err != nil {
			return nil, fmt.Errorf("FIXED_POSITION: %w", err)
		}
		return position.NewStatic(fix), nil
	default:
		return position.None{}, nil
	}
}
