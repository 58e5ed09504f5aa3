package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-block-editor/block"
	"github.com/alimasry/go-block-editor/broker"
	"github.com/alimasry/go-block-editor/editor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024

	cleanupTimeout = 5 * time.Second
)

// errPeerClosed ends a session whose peer went away.
var errPeerClosed = errors.New("peer closed connection")

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client is one participant's session on one document. It runs three
// loops under one cancellation scope: reading and applying inbound
// events, relaying the document channel to the send queue, and writing
// the send queue to the socket. Any loop ending ends the others.
type Client struct {
	ID string

	hub   *Hub
	conn  *websocket.Conn
	docID string
	user  block.UserInfo
	role  block.Role
	send  chan []byte
	state atomic.Int32

	// Blocks locked through this session. Only the read loop touches it.
	held map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, documentID string, user block.UserInfo, role block.Role) *Client {
	return &Client{
		ID:    uuid.NewString(),
		hub:   hub,
		conn:  conn,
		docID: documentID,
		user:  user,
		role:  role,
		send:  make(chan []byte, 256),
		held:  make(map[string]struct{}),
	}
}

// State returns the session's current lifecycle stage.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	glog.V(2).Infof("client %s: %s", c.ID, s)
}

// Run serves the session until the peer leaves, the transport fails or
// ctx is cancelled. On return the subscription is closed and every lock
// the session still holds has been released and announced.
func (c *Client) Run(ctx context.Context) {
	defer c.conn.Close()

	channel := broker.Channel(c.docID)
	sub, err := c.hub.broker.Subscribe(ctx, channel)
	if err != nil {
		glog.Errorf("client %s: subscribe %s: %v", c.ID, channel, err)
		c.setState(StateClosed)
		return
	}

	c.hub.register(c)
	c.setState(StateActive)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx) })
	g.Go(func() error { return c.relay(gctx, sub) })
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return sub.Close()
	})
	err = g.Wait()

	c.setState(StateClosing)
	if err != nil && !errors.Is(err, errPeerClosed) && !errors.Is(err, context.Canceled) {
		glog.Errorf("client %s: %v", c.ID, err)
	}
	c.hub.unregister(c)
	c.releaseHeld()
	c.setState(StateClosed)
}

// readPump reads participant messages and runs them through the editor,
// strictly in arrival order.
func (c *Client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("client %s: read error: %v", c.ID, err)
			}
			return errPeerClosed
		}
		if err := c.handle(ctx, data); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, data []byte) error {
	if c.role != block.RoleEditor {
		return c.unicast(ctx, (&editor.Error{Tag: editor.TagBlockAccessDenied, Detail: "read-only access"}).Payload())
	}

	msg, err := c.hub.editor.Handle(ctx, c.docID, c.user, data)
	if err != nil {
		e := editor.AsError(err)
		if e.Tag == editor.TagInternal {
			glog.Errorf("client %s: %v", c.ID, err)
		} else {
			glog.V(2).Infof("client %s: rejected: %v", c.ID, err)
		}
		return c.unicast(ctx, e.Payload())
	}

	switch msg.Event.Type {
	case block.BlockLocked:
		c.held[msg.Event.BlockID()] = struct{}{}
	case block.BlockReleased:
		delete(c.held, msg.Event.BlockID())
	}

	if err := c.hub.broker.Publish(ctx, broker.Channel(c.docID), msg.Encode()); err != nil {
		glog.Errorf("client %s: %v", c.ID, err)
		return c.unicast(ctx, editor.AsError(err).Payload())
	}
	return nil
}

// unicast queues payload for this participant only.
func (c *Client) unicast(ctx context.Context, payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relay forwards every payload of the document channel verbatim.
func (c *Client) relay(ctx context.Context, sub broker.Subscription) error {
	for {
		payload, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: %w", err)
		}
		if err := c.unicast(ctx, payload); err != nil {
			return err
		}
	}
}

// writePump is the only writer of data frames on the socket.
func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// releaseHeld frees the locks this session still holds and announces
// each release to the remaining participants.
func (c *Client) releaseHeld() {
	if len(c.held) == 0 {
		return
	}
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	msgs, err := c.hub.editor.ReleaseHeld(ctx, c.docID, c.user, ids)
	if err != nil {
		glog.Errorf("client %s: release held locks: %v", c.ID, err)
		return
	}
	for _, msg := range msgs {
		if err := c.hub.broker.Publish(ctx, broker.Channel(c.docID), msg.Encode()); err != nil {
			glog.Errorf("client %s: announce release of %s: %v", c.ID, msg.Event.BlockID(), err)
		}
	}
	if len(msgs) > 0 {
		glog.Infof("client %s: released %d locks on %q", c.ID, len(msgs), c.docID)
	}
	c.held = make(map[string]struct{})
}
