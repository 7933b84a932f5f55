// Package gateway exposes the carrier-facing HTTP surface: the webhook
// endpoint, the media-stream WebSocket and a health probe. It stays thin;
// call semantics live in the orchestrator.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"callbridge/internal/adapter/carrier"
	"callbridge/internal/adapter/media"
	"callbridge/internal/call"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/tracer"
)

const maxWebhookBody = 1 << 20

var emptyInstructionDoc = []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)

// Server handles carrier webhooks and media WebSocket connections.
type Server struct {
	orch   *call.Orchestrator
	driver carrier.Driver
	cfg    *config.Config
	logger *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	startTime time.Time
}

func NewServer(orch *call.Orchestrator, driver carrier.Driver, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		orch:      orch,
		driver:    driver,
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /twiml", s.handleWebhook)
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)
	return mux
}

// Start begins serving on the configured port. Blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Endpoint.Port))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.logger.Info("gateway listening", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"activeCalls":   s.orch.Registry().ActiveCount(),
		"provider":      s.driver.Name(),
		"uptimeSeconds": int(time.Since(s.startTime) / time.Second),
	})
}

// handleWebhook receives carrier call events. Signature failures are fatal
// only in strict mode; a malformed body still gets a 200 with an empty
// instruction document so the carrier does not retry forever.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "gateway.webhook")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		sig = r.Header.Get("Telnyx-Signature-Ed25519")
	}
	if !s.driver.VerifySignature(sig, s.cfg.Endpoint.WebhookURL(), body) {
		if s.cfg.StrictSignatures {
			s.logger.Warn("webhook signature rejected", "carrier", s.driver.Name())
			http.Error(w, "signature verification failed", http.StatusForbidden)
			return
		}
		s.logger.Warn("webhook signature mismatch, continuing in permissive mode",
			"carrier", s.driver.Name())
	}

	ev, err := s.driver.ParseEvent(body)
	if err != nil {
		s.logger.Warn("unparseable webhook body", "error", err)
		s.writeInstructionDoc(w, emptyInstructionDoc)
		return
	}
	span.SetAttributes(tracer.StringAttr("carrier.event", string(ev.Type)))

	s.orch.HandleEvent(ctx, ev)

	// The response document tells the carrier where to dial the media
	// stream. Only calls we are tracking get one.
	c, err := s.orch.Registry().GetByCarrierID(ev.CarrierCallID)
	if err != nil {
		s.writeInstructionDoc(w, emptyInstructionDoc)
		return
	}
	wsURL := s.cfg.Endpoint.MediaStreamURL(c.Token)
	s.writeInstructionDoc(w, s.driver.StreamConnectResponse(wsURL))
}

func (s *Server) writeInstructionDoc(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(doc)
}

// handleMediaStream upgrades the carrier's media connection and runs the
// audio pump until the stream ends. The bind token must resolve before any
// call state is touched.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	c, err := s.orch.Registry().GetByToken(token)
	if err != nil {
		http.Error(w, "unknown token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("media websocket accept failed", "error", err)
		return
	}

	callID := c.CallID
	pump := media.NewPump(conn, c.STT,
		func(streamSid string) { s.orch.MarkStreamStarted(callID, streamSid) },
		func() { s.orch.HandleHangup(callID) },
		s.logger,
	)

	if _, err := s.orch.BindMedia(token, pump); err != nil {
		// The call went away between the token check and the bind.
		conn.Close(websocket.StatusPolicyViolation, "call gone")
		return
	}

	s.logger.Info("media stream attached", "call_id", callID, "remote", r.RemoteAddr)
	pump.Run(r.Context())
}
