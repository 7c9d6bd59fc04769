// Package server exposes the client-facing WebSocket endpoint and wires a
// relay coordinator to every accepted connection.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxrelay/voxrelay/internal/batch"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/metrics"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/streaming"
)

type Server struct {
	manager  *config.Manager
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	app        *fiber.App
	metricsSrv *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu          sync.Mutex
	connections int
}

func New(manager *config.Manager) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	registry := prometheus.NewRegistry()

	s := &Server{
		manager:   manager,
		metrics:   metrics.New(registry),
		registry:  registry,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		IdleTimeout:           manager.GetConfig().Server.IdleTimeout,
	})

	app.Get("/healthz", s.handleHealth)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleConnection))

	s.app = app
	return s
}

// Run serves until SIGINT/SIGTERM. Active connections are told the server is
// shutting down and then dropped.
func (s *Server) Run() error {
	cfg := s.manager.GetConfig()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		log.Printf("server: received signal %v, shutting down", sig)
		s.cancel()
	}()

	if err := s.manager.StartWatching(s.ctx); err != nil {
		log.Printf("server: config watch unavailable: %v", err)
	}
	defer s.manager.Stop()

	if cfg.Server.MetricsAddr != "" {
		s.startMetricsListener(cfg.Server.MetricsAddr)
	}

	go func() {
		<-s.ctx.Done()
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		if s.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	log.Printf("server: listening on %s", cfg.Server.ListenAddr)
	if err := s.app.Listen(cfg.Server.ListenAddr); err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Stop requests a graceful shutdown.
func (s *Server) Stop() {
	s.cancel()
}

func (s *Server) startMetricsListener(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.metricsSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server: metrics listening on %s", addr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server: metrics listener error: %v", err)
		}
	}()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	s.mu.Lock()
	connections := s.connections
	s.mu.Unlock()

	return c.JSON(fiber.Map{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"connections": connections,
	})
}

// handleConnection runs one coordinator for the lifetime of a client
// websocket. Each connection snapshots the config at accept time.
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	cfg := s.manager.GetConfig()
	id := uuid.NewString()

	conn.SetReadLimit(cfg.Server.ReadLimit)

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connections--
		s.mu.Unlock()
	}()

	log.Printf("server: connection %s accepted", id)

	session := streaming.New(streaming.Config{
		BaseURL:  cfg.Streaming.BaseURL,
		Path:     cfg.Streaming.Path,
		APIKey:   cfg.APIKey(),
		Model:    cfg.Streaming.Model,
		Language: cfg.Streaming.Language,
	})

	submitter := batch.NewOpenAISubmitter(batch.Config{
		APIKey:        cfg.APIKey(),
		Model:         cfg.Batch.Model,
		Sentinel:      cfg.Batch.Sentinel,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		BitsPerSample: cfg.Audio.BitsPerSample,
	})

	coordinator := relay.NewCoordinator(conn, session, submitter, s.metrics, relay.Options{
		ID:             id,
		Interval:       cfg.Batch.Interval,
		RequestTimeout: cfg.Batch.RequestTimeout,
	})

	coordinator.Run(s.ctx)

	log.Printf("server: connection %s finished", id)
}
