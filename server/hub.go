package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/broker"
	"github.com/alimasry/go-block-editor/editor"
)

// Hub tracks the sessions served by this process and owns their
// lifetime. Fan-out between sessions goes through the broker, so
// sessions of one document may live in different processes.
type Hub struct {
	editor *editor.Editor
	broker broker.Broker

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(ed *editor.Editor, br broker.Broker) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		editor:   ed,
		broker:   br,
		sessions: make(map[string]map[*Client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Serve runs a session on conn until either side ends it. After Close
// the connection is refused with a going-away close frame.
func (h *Hub) Serve(conn *websocket.Conn, documentID string, user Identity, role block.Role) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	c := newClient(h, conn, documentID, user.Info(), role)
	glog.Infof("hub: session %s opened on %q by %s (%s)", c.ID, documentID, user.UserID, role)
	c.Run(h.ctx)
	glog.Infof("hub: session %s closed", c.ID)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[c.docID]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[c.docID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[c.docID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, c.docID)
		}
	}
}

// Participant is a session connected to a document through this process.
type Participant struct {
	SessionID string         `json:"session_id"`
	User      block.UserInfo `json:"user"`
	Role      block.Role     `json:"role"`
}

// Participants lists the sessions on documentID, ordered by user id.
func (h *Hub) Participants(documentID string) []Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Participant, 0, len(h.sessions[documentID]))
	for c := range h.sessions[documentID] {
		out = append(out, Participant{SessionID: c.ID, User: c.user, Role: c.role})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User.ID != out[j].User.ID {
			return out[i].User.ID < out[j].User.ID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Close ends every session and waits for their cleanup. Sessions
// arriving afterwards are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}
