package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wastezone/internal/events"
	"wastezone/internal/logging"
)

// Live feed over WebSocket, using graphql-transport-ws style framing:
// connection_init/connection_ack, subscribe/next/complete, ping/pong.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload selects the feed; zoneId narrows it to one zone and
// types to the listed event types.
type subscribePayload struct {
	ZoneID string   `json:"zoneId"`
	Types  []string `json:"types"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func wsError(id, msg string) wsMessage {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return wsMessage{Type: "error", ID: id, Payload: b}
}

// FeedWSHandler handles /v1/ws
func (s *Server) FeedWSHandler(w http.ResponseWriter, r *http.Request) {
	if s.Broker == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Streaming disabled", "no event broker configured", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	type sub struct {
		topic string
		ch    chan events.Event
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			s.Broker.Unsubscribe(sb.topic, sb.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = c.write(wsMessage{Type: "connection_ack"})
			go func() {
				t := time.NewTicker(wsPingInterval)
				defer t.Stop()
				for {
					select {
					case <-done:
						return
					case <-t.C:
						if err := c.write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = c.write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !acked {
				_ = c.write(wsError(msg.ID, "connection_init required"))
				continue
			}
			if msg.ID == "" {
				_ = c.write(wsError("", "subscription id required"))
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				_ = c.write(wsError(msg.ID, "subscription id already in use"))
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					_ = c.write(wsError(msg.ID, "invalid payload: "+err.Error()))
					continue
				}
			}
			topic := events.TopicFeed
			if id := strings.TrimSpace(pl.ZoneID); id != "" {
				if _, err := s.Svc.Zone(id); err != nil {
					_ = c.write(wsError(msg.ID, err.Error()))
					_ = c.write(wsMessage{Type: "complete", ID: msg.ID})
					continue
				}
				topic = events.ZoneTopic(id)
			}
			ch := s.Broker.Subscribe(topic)
			subs[msg.ID] = sub{topic: topic, ch: ch}
			go s.forward(c, msg.ID, ch, pl.Types)
		case "complete":
			if sb, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(sb.topic, sb.ch)
				delete(subs, msg.ID)
			}
		default:
			s.Log.Debug(r.Context(), "ignoring websocket message", logging.String("type", msg.Type))
		}
	}
}

// forward relays events from ch until the broker closes it.
func (s *Server) forward(c *wsConn, id string, ch chan events.Event, types []string) {
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	for evt := range ch {
		if len(want) > 0 && !want[evt.Type] {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := c.write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
			return
		}
	}
	_ = c.write(wsMessage{Type: "complete", ID: id})
}
