// Package websocket streams live pipeline events to operators.
//
// Clients open a WebSocket connection to:
//
//	GET /events
//
// The server pushes one JSON frame per event and pings idle connections.
//
// Server → client frames:
//
//	{"type":"discovery","at":"...","contact":"ivan_dev","source":"chat1","confidence":0.8}
//	{"type":"cycle","at":"...","contact":"ivan_dev","cycle_id":"...","outcome":"sent","delay_ms":42000}
//	{"type":"stats","at":"...","stats":{...}}
//
// Client → server control frame:
//
//	{"type":"stats"}   request an immediate stats snapshot
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/pipeline"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	eventBuffer  = 64
)

var upgrader = gorillaws.Upgrader{
	// Same-origin browsers and non-browser clients (no Origin) only.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source is what the stream needs from a running pipeline.
type Source interface {
	Subscribe(buffer int) (<-chan pipeline.Event, func())
	Snapshot() pipeline.Snapshot
}

// Handler serves the event stream.
type Handler struct {
	Source Source
	Log    zerolog.Logger
}

// statsFrame answers a client "stats" request.
type statsFrame struct {
	Type  string            `json:"type"`
	At    time.Time         `json:"at"`
	Stats pipeline.Snapshot `json:"stats"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	events, unsubscribe := h.Source.Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Read control frames until the client goes away.
	controlCh := make(chan clientFrame, 8)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr == nil {
				controlCh <- cf
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return
			}
			if cf.Type == "stats" {
				frame := statsFrame{Type: "stats", At: time.Now().UTC(), Stats: h.Source.Snapshot()}
				if err := writeFrame(conn, frame); err != nil {
					return
				}
			}

		case e, ok := <-events:
			if !ok {
				// Pipeline closed.
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "pipeline closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeFrame(conn, e); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *gorillaws.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
