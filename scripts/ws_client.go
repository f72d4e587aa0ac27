// Package main runs a demo WebSocket client for the live zone feed.
//
//	PORT=8080 ZONE_ID=zone-1 go run ./scripts/ws_client.go
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// zoneId narrows the feed to one zone; empty means every event.
	pl, _ := json.Marshal(map[string]any{"zoneId": os.Getenv("ZONE_ID")})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			if m.Type == "ping" {
				_ = c.WriteJSON(wsMessage{Type: "pong"})
				continue
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Force a tick so there is something to see without waiting.
	time.Sleep(500 * time.Millisecond)
	resp, err := http.Post(base+"/v1/admin/tick", "application/json", nil)
	if err != nil {
		log.Printf("tick: %v", err)
	} else {
		_ = resp.Body.Close()
	}

	wait := 10 * time.Second
	if v, err := time.ParseDuration(os.Getenv("WATCH")); err == nil {
		wait = v
	}
	select {
	case <-time.After(wait):
	case <-done:
	}
}
