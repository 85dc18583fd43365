// Package gateway exposes the messaging engine to clients over a
// websocket: one engine session per authenticated connection, client
// actions in, reactive change frames out.
package gateway

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"converse/internal/channel"
	"converse/internal/chat"
	"converse/internal/chat/engine"
	"converse/internal/common"
	"converse/internal/config"
	"converse/internal/presence"
	"converse/internal/typing"
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin control is the reverse proxy's job in production.
		return true
	},
}

type Server struct {
	cfg         *config.Config
	transport   channel.Transport
	persistence chat.Persistence
	profiles    chat.Profiles
}

func NewServer(cfg *config.Config, transport channel.Transport, persistence chat.Persistence, profiles chat.Profiles) *Server {
	return &Server{
		cfg:         cfg,
		transport:   transport,
		persistence: persistence,
		profiles:    profiles,
	}
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

// Routes wires the websocket endpoint plus health and metrics.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := common.IdentityFromToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	eng := engine.New(engine.Deps{
		Identity:    identity,
		Persistence: s.persistence,
		Profiles:    s.profiles,
		Transport:   s.transport,
		Backoff: channel.BackoffConfig{
			Base:   s.cfg.Engine.ReconnectBase,
			Max:    s.cfg.Engine.ReconnectMax,
			Budget: s.cfg.Engine.ReconnectBudget,
		},
		Presence: presence.Config{
			HeartbeatInterval: s.cfg.Engine.HeartbeatInterval,
			Timeout:           s.cfg.Engine.PresenceTimeout,
			SweepInterval:     s.cfg.Engine.PresenceTimeout / 4,
		},
		Typing: typing.Config{
			Debounce:      s.cfg.Engine.TypingDebounce,
			IdleWindow:    s.cfg.Engine.TypingIdleWindow,
			TTL:           s.cfg.Engine.TypingTTL,
			SweepInterval: s.cfg.Engine.TypingTTL / 4,
		},
		FailedRetention: s.cfg.Engine.FailedRetention,
	})

	runSession(conn, eng)
}
