// E2E test: creates a room, connects two WebSocket clients through a live relay,
// checks fan-out and self-exclusion, then reads the persisted room back.
// Usage: go run ./cmd/e2etest -relay http://localhost:5000
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var relayURL = flag.String("relay", "http://localhost:5000", "relay base URL")

type createResponse struct {
	Room   string `json:"room"`
	APIURL string `json:"api_url"`
}

type roomResponse struct {
	Image     string            `json:"image"`
	Size      int               `json:"size"`
	Positions []json.RawMessage `json:"positions"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	base := strings.TrimRight(*relayURL, "/")

	// --- Create room ---
	log.Println(">> Creating room...")
	body, _ := json.Marshal(map[string]string{"image": "https://http.cat/201"})
	resp, err := http.Post(base+"/api/v1/room/", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal("create room:", err)
	}
	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		log.Fatal("decode create response:", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.Room == "" {
		log.Fatalf("create room: status %d, room %q", resp.StatusCode, created.Room)
	}
	log.Printf("   Room %s created ✓", created.Room)

	// --- Connect two sessions ---
	log.Println(">> Connecting sessions A and B...")
	connA, err := dial(base, "e2e-a", created.Room)
	if err != nil {
		log.Fatal("A connect:", err)
	}
	defer connA.Close()
	connB, err := dial(base, "e2e-b", created.Room)
	if err != nil {
		log.Fatal("B connect:", err)
	}
	defer connB.Close()
	log.Println("   Connected ✓")

	// --- A sends a position, B receives it, A does not ---
	update := []byte(`{"user":{"id":"11358","username":"e2e"},"position":{"x":100,"y":200}}`)
	log.Println(">> A sending position...")
	if err := connA.WriteMessage(websocket.TextMessage, update); err != nil {
		log.Fatal("A send:", err)
	}

	_ = connB.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := connB.ReadMessage()
	if err != nil {
		log.Fatal("B read:", err)
	}
	log.Printf("   B received: %s ✓", string(msg))

	_ = connA.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, echo, err := connA.ReadMessage(); err == nil {
		log.Fatalf("A received its own update: %s", string(echo))
	}
	log.Println("   A got no echo ✓")

	// --- Room snapshot reflects the update ---
	log.Println(">> Fetching room...")
	var room roomResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		room, err = fetchRoom(created.APIURL)
		if err != nil {
			log.Fatal("fetch room:", err)
		}
		if len(room.Positions) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(room.Positions) != 1 {
		log.Fatalf("expected 1 position, got %d", len(room.Positions))
	}
	log.Printf("   Room: image=%s size=%d position=%s ✓", room.Image, room.Size, string(room.Positions[0]))

	fmt.Println()
	log.Println("═══════════════════════════════")
	log.Println("  E2E TEST PASSED ✓")
	log.Println("═══════════════════════════════")
	os.Exit(0)
}

func dial(base, sid, room string) (*websocket.Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"sid": {sid}, "room": {room}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func fetchRoom(apiURL string) (roomResponse, error) {
	var room roomResponse
	resp, err := http.Get(apiURL)
	if err != nil {
		return room, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return room, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&room)
	return room, err
}
