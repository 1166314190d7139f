// Command waypoint runs the programmable DNS forwarding proxy: queries
// arrive over UDP, flow through the configured routing table, and are
// forwarded to UDP, DoT, DoH, or zone upstreams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/waypointdns/waypoint/internal/api"
	"github.com/waypointdns/waypoint/internal/config"
	"github.com/waypointdns/waypoint/internal/logging"
	"github.com/waypointdns/waypoint/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "waypoint.yaml", "Path to configuration file")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.jsonLogs {
		cfg.JSONLogs = true
	}
	if flags.debug {
		cfg.Verbosity = "debug"
	}

	instanceID := uuid.New().String()[:8]
	logger := logging.Configure(logging.Config{
		Level:       cfg.Verbosity,
		JSON:        cfg.JSONLogs,
		ExtraFields: map[string]string{"instance": instanceID},
	})

	rt, err := config.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}
	defer rt.Upstreams.Close()

	logger.Info("waypoint starting",
		"config", flags.configPath,
		"address", cfg.Address,
		"cache_size", cfg.CacheSize,
		"upstreams", len(cfg.Upstreams),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stats := server.NewStats()
	dnsSrv := &server.UDPServer{
		Logger: logger,
		Router: rt.Router,
		Stats:  stats,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		dnsSrv.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if err := dnsSrv.Listen(cfg.Address); err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Address, err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dnsSrv.Serve(ctx)
	})

	if cfg.AdminAddress != "" {
		adminSrv := api.New(api.Config{
			Addr:       cfg.AdminAddress,
			InstanceID: instanceID,
			Stats:      stats,
			Upstreams:  rt.Upstreams,
			Logger:     logger,
		})
		group.Go(func() error {
			err := adminSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return adminSrv.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	logger.Info("waypoint stopped")
	return nil
}
