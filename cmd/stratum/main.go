// Command stratum runs the infrastructure daemon: it connects to the backing
// store, starts queue maintenance and health publishing, and runs until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/stratum"
	"goa.design/stratum/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("addr", "", "Store address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *addrF != "" {
		cfg.Store.Addr = *addrF
	}
	log.Print(ctx, log.KV{K: "store", V: cfg.Store.Addr})

	sys, err := stratum.New(ctx, cfg,
		stratum.WithLogger(telemetry.NewClueLogger()),
		stratum.WithMetrics(telemetry.NewClueMetrics()))
	if err != nil {
		log.Fatalf(ctx, err, "assemble system")
	}
	if err := sys.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start system")
	}

	// Setup interrupt handler so SIGINT and SIGTERM stop the daemon
	// gracefully.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sys.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
}

// loadConfig reads the YAML configuration file, falling back to defaults when
// no path is given. File values overlay the defaults.
func loadConfig(path string) (stratum.Config, error) {
	cfg := stratum.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
