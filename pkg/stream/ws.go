package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler serves the hub over a websocket. Clients only read; anything they
// send is discarded and a read error ends the session.
type Handler struct {
	Hub            *Hub
	OriginPatterns []string
	Buffer         int
	WriteTimeout   time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Hub.Subscribe(h.Buffer)
	defer h.Hub.Unsubscribe(sub)

	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	write := func(evt Event) error {
		wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		defer cancelWrite()
		return wsjson.Write(wctx, conn, evt)
	}
	if err := write(NewEvent(TypeReady, "", nil)); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := write(evt); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
