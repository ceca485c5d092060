// Command mcbeproxy runs a transparent Bedrock Edition RakNet proxy: it
// accepts client connections, relays the login handshake to a configured
// remote server, and forwards traffic once the session is established.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcbeproxy/internal/config"
	"mcbeproxy/internal/logging"
	"mcbeproxy/internal/metrics"
	"mcbeproxy/internal/proxy"
)

const configFileName = "mcbeproxy.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcbeproxy:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.EnsureFile(configFileName); err != nil {
		return fmt.Errorf("prepare config file: %w", err)
	}
	cfgMgr, err := config.NewManager(configFileName)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfgMgr.Current().DebugLogging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	metricsReg := metrics.NewRegistry()
	p := proxy.New(cfgMgr, log, metricsReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}
	if err := cfgMgr.Watch(ctx); err != nil {
		log.Sugar().Warnw("config watch disabled", "error", err)
	}

	<-ctx.Done()
	log.Sugar().Infow("shutting down")
	return p.Stop()
}
