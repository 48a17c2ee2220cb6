// Command relay runs an authoritative collaboration host: clients connect
// over websockets, propose events, and receive the validated, timestamped
// stream back, with history catch-up after reconnects.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	configpkg "tabletop/relay/internal/config"
	"tabletop/relay/internal/eventlog"
	"tabletop/relay/internal/host"
	"tabletop/relay/internal/journal"
	"tabletop/relay/internal/logging"
	"tabletop/relay/internal/port"
)

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// timelineState is the relay binary's own embedder: a summary of the
// authoritative stream. The core stays opaque to domain payloads; richer
// embedders supply their own reducer.
type timelineState struct {
	Events          int   `json:"events"`
	NewestTimestamp int64 `json:"newest_timestamp"`
}

func applyTimeline(state timelineState, event eventlog.Event) (timelineState, error) {
	state.Events++
	if event.Timestamp > state.NewestTimestamp {
		state.NewestTimestamp = event.Timestamp
	}
	return state, nil
}

type server struct {
	host       *host.Host[timelineState]
	upgrader   websocket.Upgrader
	maxClients int
	maxPayload int64
	ping       time.Duration
	startedAt  time.Time
	log        *zap.Logger
}

func buildOriginChecker(logger *zap.Logger, allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", zap.String("origin", origin), zap.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			// No Origin usually means non-browser client; reject by default.
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", zap.String("origin", originHeader), zap.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", zap.String("origin", originHeader))
		return false
	}
}

func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client"))
	if clientID == "" {
		clientID = r.RemoteAddr
	}
	if clientID == eventlog.HostClientID {
		http.Error(w, "reserved client id", http.StatusBadRequest)
		return
	}
	if s.maxClients > 0 && s.host.ClientCount() >= s.maxClients {
		s.log.Warn("refusing websocket connection: client limit reached", zap.Int("max_clients", s.maxClients))
		http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	socket := port.NewSocket(conn,
		port.WithPingInterval(s.ping),
		port.WithMaxPayloadBytes(s.maxPayload),
		port.WithSocketLogger(s.log.With(zap.String("client_id", clientID))),
	)
	//1.- Drop the registration once the transport goes away for good.
	socket.Subscribe(port.Listener{
		OnDisconnected: func() { s.host.RemoveClient(clientID) },
	})
	if err := s.host.AddClient(clientID, socket); err != nil {
		s.log.Error("failed to register client", zap.String("client_id", clientID), zap.Error(err))
		_ = socket.Close()
	}
}

func (s *server) healthzHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := response{
			Status:        "ok",
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			Clients:       s.host.ClientCount(),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.log.Error("encode healthz response failed", zap.Error(err))
		}
	}
}

func (s *server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.host.Stats()); err != nil {
			s.log.Error("encode stats response failed", zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

func buildHandler(s *server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.healthzHandler())
	mux.HandleFunc("/api/stats", s.statsHandler())
	return mux
}

func main() {
	startedAt := time.Now()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	engine, err := eventlog.New(timelineState{}, applyTimeline,
		eventlog.WithSnapshotInterval[timelineState](cfg.SnapshotInterval),
		eventlog.WithLogger[timelineState](logger),
	)
	if err != nil {
		logger.Fatal("failed to construct event log engine", zap.Error(err))
	}

	hostOptions := []host.Option{host.WithLogger(logger)}
	if cfg.JournalDirectory != "" {
		writer, manifest, err := journal.NewWriter(cfg.JournalDirectory, "session", nil)
		if err != nil {
			logger.Fatal("failed to initialise journal", zap.Error(err))
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("journal close failed", zap.Error(err))
			}
		}()
		logger.Info("journalling authoritative stream", zap.String("directory", writer.Directory()), zap.String("created_at", manifest.CreatedAt))
		hostOptions = append(hostOptions, host.WithJournal(writer))
	}

	relayHost, err := host.New(engine, hostOptions...)
	if err != nil {
		logger.Fatal("failed to construct host", zap.Error(err))
	}

	srv := &server{
		host:       relayHost,
		maxClients: cfg.MaxClients,
		maxPayload: cfg.MaxPayloadBytes,
		ping:       cfg.PingInterval,
		startedAt:  startedAt,
		log:        logger,
	}
	srv.upgrader = websocket.Upgrader{
		CheckOrigin: buildOriginChecker(logger.With(zap.String("component", "origin-check")), cfg.AllowedOrigins),
	}
	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing WebSocket origins", zap.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}

	httpServer := &http.Server{Addr: cfg.Address, Handler: buildHandler(srv)}
	certProvided := cfg.TLSCertPath != ""
	logger.Info("relay listening", zap.String("address", cfg.Address), zap.Bool("tls", certProvided))

	if certProvided {
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
			logger.Fatal("relay server terminated", zap.Error(err))
		}
		return
	}
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal("relay server terminated", zap.Error(err))
	}
}
