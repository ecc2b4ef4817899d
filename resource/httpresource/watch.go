package httpresource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/resource"
)

// WatchEvent is one message from the watch stream. Type is "snapshot" for
// the first message, then "updated" or "deleted".
type WatchEvent struct {
	Type   string          `json:"type"`
	Entity resource.Entity `json:"entity"`
}

// Watch opens the websocket stream for entity id. The channel closes when
// the server ends the stream or ctx is done.
func (r *Resource) Watch(ctx context.Context, id string) (<-chan WatchEvent, error) {
	u := *r.base.JoinPath(r.name, url.PathEscape(id), "watch")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, vs := range r.headers {
		header[k] = append([]string(nil), vs...)
	}

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, errors.WrapTransient(err, "httpresource", "Watch", "dial "+u.String())
	}

	events := make(chan WatchEvent, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					r.logger.Debug("watch stream ended", "id", id, "error", err)
				}
				return
			}
			var ev WatchEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				r.logger.Warn("skipping undecodable watch event", "id", id, "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
