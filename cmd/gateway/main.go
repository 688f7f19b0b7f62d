// Copyright 2025 LogLine Contributors
//
// gateway is the mesh + onboarding composition root: it wires the REST
// reverse proxy, onboarding FSM, WebSocket mesh hub, and /metrics
// behind one process. Grounded on the teacher's main.go for the
// signal.Notify -> cancel() -> bounded httpServer.Shutdown(ctx) sequence.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danvoulez/logline/internal/config"
	"github.com/danvoulez/logline/internal/gateway"
	"github.com/danvoulez/logline/internal/mesh"
	"github.com/danvoulez/logline/internal/telemetry"
	"github.com/danvoulez/logline/internal/timeline"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlay")
	timelinePath := flag.String("timeline", "gateway-timeline.ndjson", "path to the onboarding timeline's ndjson file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := log.New(log.Writer(), "[gateway] ", log.LstdFlags)
	registry := telemetry.NewRegistry()

	store, err := timeline.OpenFileStore(filepath.Clean(*timelinePath))
	if err != nil {
		log.Fatalf("open onboarding timeline store: %v", err)
	}

	gw, err := gateway.New(&gateway.Config{
		EngineURL:     cfg.EngineURL,
		RulesURL:      cfg.RulesURL,
		TimelineURL:   cfg.TimelineURL,
		IDURL:         cfg.IDURL,
		FederationURL: cfg.FederationURL,
		JWTIssuer:     cfg.JWTIssuer,
		JWTExpiry:     cfg.JWTExpiry,
		Logger:        log.New(log.Writer(), "[gateway] ", log.LstdFlags),
	}, store)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	forwarder := gateway.NewMeshForwarder(cfg.RulesURL, log.New(log.Writer(), "[mesh] ", log.LstdFlags))

	mux := http.NewServeMux()
	mux.Handle("/", gw)
	mux.Handle("GET /metrics", registry.Handler())

	httpServer := &http.Server{Addr: cfg.GatewayAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())

	peerClients := make([]*mesh.PeerClient, 0)
	for peerID, addr := range cfg.ParseMeshPeers() {
		client := mesh.NewPeerClient(peerID, addr, "gateway", []string{"mesh"}, mesh.DefaultDialer, forwarder, nil)
		gw.Hub().Add(peerID, client)
		peerClients = append(peerClients, client)
		go client.Run(ctx)
		logger.Printf("dialing mesh peer %s at %s", peerID, addr)
	}

	go func() {
		logger.Printf("listening on %s", httpServer.Addr)
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Printf("shutting down")

	cancel()
	for _, client := range peerClients {
		client.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Printf("timeline store close error: %v", err)
	}
	logger.Printf("stopped")
}
