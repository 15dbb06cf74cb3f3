package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pulseboard/api/internal/realtime"
	"pulseboard/api/internal/util"
)

const wsWriteTimeout = 5 * time.Second

// handleRoomSocket upgrades the request and bridges the connection to the
// hub: one goroutine drains room events to the socket, the request
// goroutine reads client events and publishes them.
func (s *HTTPServer) handleRoomSocket(w http.ResponseWriter, r *http.Request, session Session, kind, id string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	connID := util.NewID("con")
	client, key, err := s.service.JoinRoom(r.Context(), session, kind, id, connID)
	if err != nil {
		status, _, message, _ := mapError(err)
		code := websocket.StatusPolicyViolation
		if status == http.StatusNotFound {
			code = websocket.StatusGoingAway
		}
		conn.Close(code, message)
		return
	}
	defer s.service.LeaveRoom(key, connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Evicted as a slow consumer; the client reconnects and
				// resyncs from presence.state.
				conn.Close(websocket.StatusTryAgainLater, "too slow, reconnect")
				return
			case ev, ok := <-client.Events():
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "room closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
				err := wsjson.Write(writeCtx, conn, ev)
				cancelWrite()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var ev realtime.ClientEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			cancel()
			<-writeDone
			return
		}
		if err := s.service.PublishRoomEvent(ctx, session, key, ev, connID); err != nil {
			// Rejected events do not kill the connection; report and move on.
			var domainErr *DomainError
			if errors.As(err, &domainErr) {
				writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
				_ = wsjson.Write(writeCtx, conn, map[string]any{
					"type":  "error",
					"code":  domainErr.Code,
					"error": domainErr.Message,
				})
				cancelWrite()
				continue
			}
			cancel()
			<-writeDone
			return
		}
	}
}
