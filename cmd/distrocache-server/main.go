// Command distrocache-server runs the HTTP front-end described in spec §6:
// it loads a YAML config file, opens the sqlite-backed store, constructs the
// engine, and serves GET /get/<dist>/<ref…>.{json,yaml}.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/colcon-tools/distrocache"
	"github.com/colcon-tools/distrocache/config"
	"github.com/colcon-tools/distrocache/discover"
	"github.com/colcon-tools/distrocache/engine"
	"github.com/colcon-tools/distrocache/fetch"
	"github.com/colcon-tools/distrocache/store"
	"github.com/colcon-tools/distrocache/transport"
)

func main() {
	var (
		configPath = flag.String("config", "colcon-distro.yaml", "path to the YAML config file")
		addr       = flag.String("addr", "0.0.0.0:8080", "HTTP listen address")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Caller().
		Logger().
		Level(parseLevel(*logLevel))
	zlog.Set(&log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *configPath, *addr); err != nil {
		log.Fatal().Err(err).Msg("distrocache-server exiting")
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.PublishROSPythonVersion(); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.Filename)
	if err != nil {
		return err
	}
	defer st.Close()

	client := &http.Client{Timeout: 5 * time.Minute}
	newFetcher := func(desc *distrocache.Repository) (engine.Fetcher, error) {
		return fetch.New(client, desc)
	}

	eng := engine.New(st, newFetcher, discover.Default{}, nil, nil, engine.Config{
		DistroRepository: cfg.Distro.Repository,
		DistroIndexFile:  config.DistIndexYAMLFile,
		Parallelism:      cfg.General.Parallelism,
	})

	h := transport.NewHandler(eng, cfg.Distro.Repository, cfg.Cache.MetadataInclusions)

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      300 * time.Second,
	}

	zlog.Info(ctx).Str("addr", addr).Msg("starting http server")
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		zlog.Info(ctx).Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

func parseLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
		return l
	}
	return zerolog.InfoLevel
}
