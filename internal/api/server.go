// Package api serves the local control API: commands, status, the live
// event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/safety"
	"github.com/cisec/lockdown-agent/pkg/protocol"
	"github.com/cisec/lockdown-agent/pkg/types"
)

// ErrUnknownCommand is returned for a command name the controller lacks.
var ErrUnknownCommand = errors.New("unknown command")

// Controller is the command surface exposed over the API.
type Controller interface {
	Lock() error
	Unlock() error
	StartMonitor() error
	StopMonitor() error
	Status() types.Status
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(bufSize int) <-chan types.Event
	Unsubscribe(ch <-chan types.Event)
}

const (
	subscriberBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Server is the control API.
type Server struct {
	ctrl     Controller
	events   EventSource
	version  string
	spawn    safety.Spawner
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a control API server. Background goroutines are started
// through spawn, which may be nil.
func NewServer(ctrl Controller, events EventSource, version string, spawn safety.Spawner, logger zerolog.Logger) *Server {
	if spawn == nil {
		spawn = safety.Unguarded
	}
	s := &Server{
		ctrl:    ctrl,
		events:  events,
		version: version,
		spawn:   spawn,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.originMiddleware)
	api.HandleFunc("/lock", s.handleCommand(protocol.CommandLock)).Methods("POST")
	api.HandleFunc("/unlock", s.handleCommand(protocol.CommandUnlock)).Methods("POST")
	api.HandleFunc("/monitor/start", s.handleCommand(protocol.CommandStartMonitor)).Methods("POST")
	api.HandleFunc("/monitor/stop", s.handleCommand(protocol.CommandStopMonitor)).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	router.Handle("/metrics", promhttp.Handler())
	return router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.spawn(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	})

	s.logger.Info().Str("listen", addr).Msg("Control API listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Dispatch runs a named command against the controller.
func (s *Server) Dispatch(name protocol.CommandName) protocol.Response {
	var err error
	switch name {
	case protocol.CommandLock:
		err = s.ctrl.Lock()
	case protocol.CommandUnlock:
		err = s.ctrl.Unlock()
	case protocol.CommandStartMonitor:
		err = s.ctrl.StartMonitor()
	case protocol.CommandStopMonitor:
		err = s.ctrl.StopMonitor()
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	resp := protocol.Response{
		Command:  name,
		Accepted: err == nil,
		State:    s.ctrl.Status().State,
	}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Info().Str("command", string(name)).Err(err).Msg("Command rejected")
	} else {
		s.logger.Info().Str("command", string(name)).Msg("Command accepted")
	}
	return resp
}

func (s *Server) handleCommand(name protocol.CommandName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := s.Dispatch(name)
		status := http.StatusAccepted
		if !resp.Accepted {
			status = http.StatusConflict
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"state":   s.ctrl.Status().State,
	})
}

// handleEvents streams bus events to a websocket client. The client may send
// command and ping messages on the same connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(subscriberBuffer)
	defer s.events.Unsubscribe(sub)

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Event stream client connected")
	defer s.logger.Info().Str("remote", r.RemoteAddr).Msg("Event stream client disconnected")

	var writeMu sync.Mutex
	write := func(msg *protocol.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	done := make(chan struct{})
	s.spawn(func() {
		defer close(done)
		s.readLoop(conn, write)
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
					time.Now().Add(writeWait))
				writeMu.Unlock()
				return
			}
			msg, err := protocol.NewEventMessage(ev)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if err := write(msg); err != nil {
				s.logger.Debug().Err(err).Msg("Event write failed")
				return
			}
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, write func(*protocol.Message) error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Read error")
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse message")
			continue
		}

		var reply *protocol.Message
		switch msg.Type {
		case protocol.MessageTypePing:
			reply, err = protocol.NewMessage(protocol.MessageTypePong, nil)
		case protocol.MessageTypeCommand:
			var cmd protocol.Command
			if err := msg.ParsePayload(&cmd); err != nil {
				s.logger.Error().Err(err).Msg("Failed to parse command")
				continue
			}
			reply, err = protocol.NewMessage(protocol.MessageTypeResponse, s.Dispatch(cmd.Name))
		default:
			s.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to create reply")
			continue
		}
		if err := write(reply); err != nil {
			return
		}
	}
}

// originMiddleware rejects browser requests from pages not served from
// loopback, for the REST routes and the websocket upgrade alike.
func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkOrigin(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts non-browser clients and pages served from loopback.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	s.logger.Warn().Str("origin", origin).Msg("WebSocket connection rejected: origin not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
