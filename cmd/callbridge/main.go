// callbridge is an MCP stdio server that lets an agent place and hold voice
// calls: it dials through a telephony carrier, streams call audio to a
// realtime transcriber, and speaks synthesized replies back down the line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/adapter/carrier"
	"callbridge/internal/adapter/gateway"
	"callbridge/internal/adapter/mcptool"
	"callbridge/internal/adapter/speech"
	"callbridge/internal/call"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/logger"
	"callbridge/internal/infra/tracer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("callbridge " + version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	driver, err := carrier.New(cfg.Carrier, log)
	if err != nil {
		return err
	}
	breaker := carrier.NewBreakerDriver(driver, log)

	synth := speech.NewSynthesizer(speech.TTSConfig{
		APIKey: cfg.Speech.APIKey,
		Model:  cfg.Speech.TTSModel,
		Voice:  cfg.Speech.Voice,
	}, log)

	sttFactory := func() call.STTSession {
		return speech.NewSTTSession(speech.STTConfig{
			APIKey:            cfg.Speech.APIKey,
			Model:             cfg.Speech.STTModel,
			SilenceDurationMs: cfg.Speech.SilenceDurationMs,
		}, log)
	}

	reg := call.NewRegistry()
	orch := call.NewOrchestrator(reg, breaker, synth, sttFactory, cfg, log)
	gw := gateway.NewServer(orch, breaker, cfg, log)

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Start(ctx) }()

	mcpSrv := mcptool.NewServer(orch, version, log)
	mcpErr := make(chan error, 1)
	go func() { mcpErr <- mcpSrv.ServeStdio() }()

	log.Info("callbridge started",
		"version", version,
		"carrier", breaker.Name(),
		"port", cfg.Endpoint.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-gwErr:
		if err != nil {
			runErr = fmt.Errorf("gateway: %w", err)
		}
	case err := <-mcpErr:
		// Stdin closing is the normal way an MCP host ends the session.
		if err != nil {
			log.Info("mcp transport closed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	_ = gw.Stop(shutdownCtx)

	log.Info("callbridge stopped")
	return runErr
}
