// Package status is the daemon's read-only HTTP surface: health, Prometheus
// metrics, a JSON snapshot of the persisted microbot mirror, and a
// websocket feed of discovery/loss events.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microbotd/microbotd/pkg/hub"
	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/microbot"
	"github.com/microbotd/microbotd/pkg/persistence"
)

// Config controls the status server's listen address.
type Config struct {
	Address string
}

// Server is the gorilla/mux-routed status HTTP server.
type Server struct {
	cfg   Config
	store persistence.MicrobotStore
	hub   *hub.Hub
	log   *logger.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	hubHandle hub.Handle
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Event is one discovered/lost notification pushed over the websocket.
type Event struct {
	Type string    `json:"type"` // "discovered" | "lost"
	UID  string    `json:"uid"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// New constructs a Server. Call Start to begin listening.
func New(cfg Config, store persistence.MicrobotStore, h *hub.Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		hub:     h,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start registers routes, subscribes to Hub events, and begins listening
// in the background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.hubHandle = s.hub.OnMicrobot(
		func(dev *microbot.Microbot) { s.broadcastEvent("discovered", dev) },
		func(dev *microbot.Microbot) { s.broadcastEvent("lost", dev) },
	)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/microbots", s.handleMicrobots).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.handleWS).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.cfg.Address, err)
	}

	s.httpSrv = &http.Server{Addr: s.cfg.Address, Handler: r}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server stopped", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and cancels the Hub subscription.
func (s *Server) Stop(ctx context.Context) error {
	s.hubHandle.Cancel()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMicrobots(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 32)}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(c *wsClient) {
	defer s.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcastEvent(kind string, dev *microbot.Microbot) {
	ev := Event{Type: kind, UID: dev.UID().String(), Name: dev.Name(), At: time.Now()}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("status: marshal event", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.log.Warn("status: websocket client backpressured, dropping")
		}
	}
}
