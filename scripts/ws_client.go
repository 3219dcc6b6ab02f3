// Package main runs a demo: a parent follows a bus, a driver reports a
// position, and the system of record pushes a child status over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"busrelay/internal/api"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func token(secret, subject string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func dial(port, tok, role, entity string) *websocket.Conn {
	q := url.Values{"token": {tok}, "role": {role}}
	if entity != "" {
		q.Set("entityId", entity)
	}
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws", RawQuery: q.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", role, err)
	}
	return c
}

func main() {
	port := envOr("PORT", "8080")
	secret := envOr("AUTH_HMAC_SECRET", "dev-secret")
	parentID := envOr("DEMO_PARENT_ID", "42")
	busID := envOr("DEMO_BUS_ID", "7")
	base := fmt.Sprintf("http://localhost:%s", port)

	parent := dial(port, token(secret, parentID), "parent", "")
	defer func() { _ = parent.Close() }()
	driver := dial(port, token(secret, "driver-"+busID), "driver", busID)
	defer func() { _ = driver.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := parent.ReadJSON(&m); err != nil {
				log.Printf("parent read: %v", err)
				return
			}
			log.Printf("parent <- %s: %s", m.Type, string(m.Payload))
		}
	}()
	go func() {
		for {
			var m wsMessage
			if err := driver.ReadJSON(&m); err != nil {
				return
			}
			log.Printf("driver <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	sub, _ := json.Marshal(map[string]any{"entityId": busID})
	if err := parent.WriteJSON(wsMessage{Type: "subscribe-to-entity", ID: "1", Payload: sub}); err != nil {
		log.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	trip, _ := json.Marshal(map[string]any{"tripKind": "morning"})
	_ = driver.WriteJSON(wsMessage{Type: "start-trip", ID: "t1", Payload: trip})
	loc, _ := json.Marshal(map[string]any{"lat": 51.5, "lng": -0.1, "speed": 12, "heading": 90})
	_ = driver.WriteJSON(wsMessage{Type: "location-update", Payload: loc})

	body, _ := json.Marshal(map[string]any{
		"entityId": busID, "childId": 100, "childName": "Demo child", "status": "on-bus",
		"targetSubjectIds": []string{parentID},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/notify/child-status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if s := os.Getenv("INGRESS_SECRET"); s != "" {
		req.Header.Set(api.SignatureHeader, api.SignHMAC(s, body))
	}
	if resp, err := http.DefaultClient.Do(req); err != nil {
		log.Printf("ingress: %v", err)
	} else {
		log.Printf("ingress: %s", resp.Status)
		_ = resp.Body.Close()
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
