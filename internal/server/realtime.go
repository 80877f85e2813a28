package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// ClientMessage - запрос клиента по каналу /realtime
type ClientMessage struct {
	Action     string      `json:"action"`
	ID         string      `json:"id"`
	Collection string      `json:"collection,omitempty"`
	Filter     *storage.Eq `json:"filter,omitempty"`
}

// ServerMessage - подтверждение, ошибка подписки или уведомление об изменении
type ServerMessage struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Change *storage.Change `json:"change,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

type realtimeConn struct {
	ws     *websocket.Conn
	store  storage.Storage
	out    chan ServerMessage
	subs   map[string]*storage.Subscription
	cancel context.CancelFunc
	log    logrus.FieldLogger
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &realtimeConn{
		ws:     ws,
		store:  s.storage,
		out:    make(chan ServerMessage, sendBuffer),
		subs:   make(map[string]*storage.Subscription),
		cancel: cancel,
		log:    s.log.WithField("remote", r.RemoteAddr),
	}
	c.serve(ctx)
}

func (c *realtimeConn) serve(ctx context.Context) {
	defer c.cancel()
	go c.writeLoop(ctx)

	defer func() {
		for _, sub := range c.subs {
			sub.Release()
		}
		c.log.WithField("subscriptions", len(c.subs)).Debug("realtime connection closed")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("realtime read failed")
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *realtimeConn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		if old, ok := c.subs[msg.ID]; ok {
			old.Release()
			delete(c.subs, msg.ID)
		}
		topic := storage.Topic{Collection: msg.Collection, Filter: msg.Filter}
		if msg.Collection == models.CollectionAccounts {
			c.fail(msg.ID, fmt.Errorf("%w: %s", storage.ErrUnknownCollection, msg.Collection))
			return
		}
		id := msg.ID
		sub, err := c.store.Subscribe(ctx, topic, func(ch storage.Change) {
			c.send(ServerMessage{ID: id, Change: &ch})
		})
		if err != nil {
			c.fail(msg.ID, err)
			return
		}
		c.subs[msg.ID] = sub
		c.log.WithField("topic", topic.Key()).Debug("subscribed")
		c.send(ServerMessage{ID: msg.ID, Status: StatusSubscribed})
	case ActionUnsubscribe:
		if sub, ok := c.subs[msg.ID]; ok {
			sub.Release()
			delete(c.subs, msg.ID)
		}
		c.send(ServerMessage{ID: msg.ID, Status: StatusUnsubscribed})
	default:
		c.fail(msg.ID, fmt.Errorf("%w: unknown action %q", errForbidden, msg.Action))
	}
}

func (c *realtimeConn) fail(id string, err error) {
	_, body := classify(err)
	c.send(ServerMessage{ID: id, Error: &body})
}

// send не блокирует: колбэки хаба вызываются синхронно. Клиент, не
// успевающий читать, отключается.
func (c *realtimeConn) send(m ServerMessage) {
	select {
	case c.out <- m:
	default:
		c.log.Warn("realtime client too slow, closing")
		c.cancel()
	}
}

func (c *realtimeConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case m := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.log.WithError(err).Debug("realtime write failed")
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}
