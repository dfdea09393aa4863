// Package websocket pushes dashboard state to browsers over gorilla/websocket.
//
// Hub is an actor: a single goroutine owns the client registry and processes
// commands from a channel. The first client of a session mounts the dashboard,
// the last one leaving tears it down.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livedash/internal/adapter/metrics"
	"github.com/pscheid92/livedash/internal/domain"
	"github.com/pscheid92/livedash/internal/view"
)

const (
	maxClientsPerSession = 10
	commandBufferSize    = 256
)

var ErrHubStopped = errors.New("hub stopped")

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	sessionID   uuid.UUID
	accessToken string
	conn        *websocket.Conn
	errCh       chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	sessionID uuid.UUID
	conn      *websocket.Conn
}

func (cmdUnregister) hubCmd() {}

type cmdBroadcast struct {
	sessionID uuid.UUID
	data      []byte
}

func (cmdBroadcast) hubCmd() {}

type cmdClientCount struct {
	sessionID uuid.UUID
	replyCh   chan int
}

func (cmdClientCount) hubCmd() {}

type cmdFirstConnectResult struct {
	sessionID uuid.UUID
	err       error
}

func (cmdFirstConnectResult) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// StateMessage is the frame sent to dashboard clients.
type StateMessage struct {
	State domain.DashboardState `json:"state"`
	View  view.Model            `json:"view"`
}

// --- Hub ---

type Hub struct {
	clock            clockwork.Clock
	metrics          *metrics.WebSocketMetrics
	cmdCh            chan hubCmd
	done             chan struct{}
	clients          map[uuid.UUID]map[*websocket.Conn]*clientWriter
	pending          map[uuid.UUID][]cmdRegister
	onFirstConnect   func(sessionID uuid.UUID, accessToken string) error
	onLastDisconnect func(uuid.UUID)
}

var _ domain.StatePublisher = (*Hub)(nil)

func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics, onFirstConnect func(sessionID uuid.UUID, accessToken string) error, onLastDisconnect func(uuid.UUID)) *Hub {
	h := &Hub{
		clock:            clock,
		metrics:          m,
		cmdCh:            make(chan hubCmd, commandBufferSize),
		done:             make(chan struct{}),
		clients:          make(map[uuid.UUID]map[*websocket.Conn]*clientWriter),
		pending:          make(map[uuid.UUID][]cmdRegister),
		onFirstConnect:   onFirstConnect,
		onLastDisconnect: onLastDisconnect,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdUnregister:
			h.handleUnregister(c.sessionID, c.conn)
		case cmdBroadcast:
			h.handleBroadcast(c)
		case cmdClientCount:
			c.replyCh <- len(h.clients[c.sessionID])
		case cmdFirstConnectResult:
			h.handleFirstConnectResult(c)
		case cmdStop:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	if clients, exists := h.clients[c.sessionID]; exists {
		if len(clients) >= maxClientsPerSession {
			slog.Warn("Rejecting dashboard client, session is full", "session_id", c.sessionID.String(), "max_clients", maxClientsPerSession)
			_ = c.conn.Close()
			c.errCh <- fmt.Errorf("max clients per session (%d) reached", maxClientsPerSession)
			return
		}
		h.addClient(c)
		return
	}

	if _, exists := h.pending[c.sessionID]; exists {
		h.pending[c.sessionID] = append(h.pending[c.sessionID], c)
		return
	}

	if h.onFirstConnect == nil {
		h.clients[c.sessionID] = make(map[*websocket.Conn]*clientWriter)
		h.metrics.MountedSessions.Set(float64(len(h.clients)))
		h.addClient(c)
		return
	}

	h.pending[c.sessionID] = []cmdRegister{c}
	sessionID, accessToken := c.sessionID, c.accessToken
	go func() {
		err := h.onFirstConnect(sessionID, accessToken)
		select {
		case h.cmdCh <- cmdFirstConnectResult{sessionID: sessionID, err: err}:
		case <-h.done:
		}
	}()
}

func (h *Hub) addClient(c cmdRegister) {
	clients := h.clients[c.sessionID]
	clients[c.conn] = newClientWriter(c.conn, h.clock)
	h.metrics.ActiveConnections.Inc()
	slog.Debug("Dashboard client registered", "session_id", c.sessionID.String(), "clients", len(clients))
	c.errCh <- nil
}

func (h *Hub) handleFirstConnectResult(c cmdFirstConnectResult) {
	pending, exists := h.pending[c.sessionID]
	if !exists {
		return
	}
	delete(h.pending, c.sessionID)

	if c.err != nil {
		slog.Error("Failed to mount dashboard", "session_id", c.sessionID.String(), "error", c.err)
		for _, p := range pending {
			_ = p.conn.Close()
			p.errCh <- c.err
		}
		return
	}

	h.clients[c.sessionID] = make(map[*websocket.Conn]*clientWriter)
	h.metrics.MountedSessions.Set(float64(len(h.clients)))
	for _, p := range pending {
		h.addClient(p)
	}
	slog.Info("Dashboard mounted", "session_id", c.sessionID.String())
}

func (h *Hub) handleUnregister(sessionID uuid.UUID, conn *websocket.Conn) {
	clients, exists := h.clients[sessionID]
	if !exists {
		return
	}
	cw, exists := clients[conn]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, conn)
	h.metrics.ActiveConnections.Dec()

	if len(clients) > 0 {
		slog.Debug("Dashboard client unregistered", "session_id", sessionID.String(), "clients", len(clients))
		return
	}

	delete(h.clients, sessionID)
	h.metrics.MountedSessions.Set(float64(len(h.clients)))
	if h.onLastDisconnect != nil {
		h.onLastDisconnect(sessionID)
	}
	slog.Info("Last dashboard client disconnected", "session_id", sessionID.String())
}

func (h *Hub) handleBroadcast(c cmdBroadcast) {
	clients, exists := h.clients[c.sessionID]
	if !exists {
		return
	}

	var slow []*websocket.Conn
	for conn, cw := range clients {
		if !cw.trySend(c.data) {
			slow = append(slow, conn)
		}
	}
	h.metrics.MessagesPublished.Inc()

	for _, conn := range slow {
		slog.Warn("Disconnecting slow dashboard client", "session_id", c.sessionID.String())
		h.metrics.SlowClients.Inc()
		h.handleUnregister(c.sessionID, conn)
	}
}

func (h *Hub) handleStop() {
	for sessionID, clients := range h.clients {
		for _, cw := range clients {
			cw.stop()
			h.metrics.ActiveConnections.Dec()
		}
		delete(h.clients, sessionID)
	}
	for sessionID, pending := range h.pending {
		for _, p := range pending {
			_ = p.conn.Close()
			p.errCh <- ErrHubStopped
		}
		delete(h.pending, sessionID)
	}
	h.metrics.MountedSessions.Set(0)
}

// --- Public API ---

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Register adds conn to the session. For the first client of a session it blocks
// until onFirstConnect has run with accessToken; its error is returned and the
// connection closed.
func (h *Hub) Register(sessionID uuid.UUID, accessToken string, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	if !h.send(cmdRegister{sessionID: sessionID, accessToken: accessToken, conn: conn, errCh: errCh}) {
		return ErrHubStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(sessionID uuid.UUID, conn *websocket.Conn) {
	h.send(cmdUnregister{sessionID: sessionID, conn: conn})
}

// PublishState sends state to every client of the session. It never blocks: when
// the command queue is full the update is dropped, since the next one supersedes it.
func (h *Hub) PublishState(sessionID uuid.UUID, state domain.DashboardState) {
	data, err := json.Marshal(StateMessage{State: state, View: view.Resolve(state, h.clock.Now())})
	if err != nil {
		slog.Error("Failed to marshal dashboard state", "session_id", sessionID.String(), "error", err)
		return
	}

	select {
	case h.cmdCh <- cmdBroadcast{sessionID: sessionID, data: data}:
	case <-h.done:
	default:
		slog.Warn("Hub queue full, dropping dashboard update", "session_id", sessionID.String())
	}
}

func (h *Hub) ClientCount(sessionID uuid.UUID) int {
	replyCh := make(chan int, 1)
	if !h.send(cmdClientCount{sessionID: sessionID, replyCh: replyCh}) {
		return 0
	}
	select {
	case n := <-replyCh:
		return n
	case <-h.done:
		return 0
	}
}

// Stop closes all connections and ends the actor loop.
func (h *Hub) Stop() {
	h.send(cmdStop{})
	<-h.done
}
