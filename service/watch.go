package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/concur/entitystore"
)

const (
	writeWait = 10 * time.Second
	readWait  = 60 * time.Second
)

// EventSnapshot is the type of the first message on a watch stream. It carries
// the entity as it was when the stream opened.
const EventSnapshot entitystore.EventType = "snapshot"

// handleWatch streams changes to one entity over a websocket. The stream
// starts with a snapshot and ends after a deleted event, when the client
// goes away, or when the server stops.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	ctx, cancel := context.WithCancel(s.watchCtx)

	// Subscribe before reading the snapshot so no change falls in between.
	events, err := st.Watch(ctx, id)
	if err != nil {
		cancel()
		s.writeStoreError(w, r, err)
		return
	}
	current, err := st.Get(r.Context(), id)
	if err != nil {
		cancel()
		s.writeStoreError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer cancel()
		defer conn.Close()
		s.streamEvents(ctx, cancel, conn, entitystore.Event{Type: EventSnapshot, Entity: current}, events)
	}()
}

func (s *Server) streamEvents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn,
	snapshot entitystore.Event, events <-chan entitystore.Event) {
	logger := s.logger.With("id", snapshot.Entity.ID)

	// Reader: the client sends nothing we act on, but reading is how close
	// frames and pongs are processed.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if supersededBy(snapshot, ev) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug("watch client write failed", "error", err)
				return
			}
			if ev.Type == entitystore.EventDeleted {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deleted"), time.Now().Add(writeWait))
				return
			}
		}
	}
}

// AllowOrigins returns a websocket origin check for WithCheckOrigin that
// accepts only the listed origins (scheme://host[:port]). Requests without
// an Origin header come from non-browser clients and are accepted. With no
// origins every request is accepted.
func AllowOrigins(origins ...string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[strings.ToLower(origin)]
	}
}

// supersededBy reports whether ev is an update the snapshot already
// contains. The subscription opens before the snapshot is read, so writes
// landing in between arrive again afterwards.
func supersededBy(snapshot, ev entitystore.Event) bool {
	return ev.Type == entitystore.EventUpdated && ev.Entity.Version <= snapshot.Entity.Version
}

func writeEvent(conn *websocket.Conn, ev entitystore.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
