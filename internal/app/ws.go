package app

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"partyjournal/api/internal/notes"
)

type wsUpgrader = websocket.Upgrader

func newUpgrader(corsOrigin string) wsUpgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == corsOrigin
		},
	}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWatch streams the caller's visible note list over a websocket: one
// JSON message per mirror push, each carrying the full filtered list.
// Browsers cannot set headers on websocket dials, so the identity may also
// arrive as a token query parameter.
func (s *HTTPServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	email := bearerToken(r)
	if email == "" {
		email = r.URL.Query().Get("token")
	}
	caller, err := s.service.ResolveCaller(r.Context(), email)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if err := s.service.requireAllowed(caller); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("watch: upgrade failed: %v", err)
		return
	}

	// Pushes arrive from the cache's notify goroutine; serialize writes
	// through a channel owned by the write pump.
	pushes := make(chan []notes.NoteInfo, 8)
	done := make(chan struct{})

	unsub := s.service.SubscribeNoteList(caller, func(visible []notes.NoteInfo) {
		select {
		case pushes <- visible:
		case <-done:
		default:
			// Slow consumer: drop this push, the next one carries the full
			// list anyway.
		}
	})

	// Read pump: discard inbound frames, detect close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		unsub()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case visible := <-pushes:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(map[string]any{"notes": visible}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
