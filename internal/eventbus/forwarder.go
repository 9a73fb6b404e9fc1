package eventbus

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/mbflow/engine/internal/domain"
)

// ForwardSubscription demonstrates wiring a Bus subscription to an
// outbound WebSocket connection without this module owning any
// WebSocket transport (listening, upgrading, or routing connections
// remains the external collaborator spec.md places out of scope). It
// only consumes the Bus's already-public Subscribe contract and
// writes JSON frames to a connection the caller established.
//
// Grounded on the teacher's internal/infrastructure/websocket
// package's general shape (a per-client goroutine draining a channel
// into conn.WriteJSON), with the hub/registration machinery itself
// left to this package's Bus.
//
// It starts a goroutine that reads events from ch and writes each as
// a JSON text frame to conn, until ch is closed (the subscription was
// unsubscribed) or a write fails. The returned channel is closed when
// the goroutine exits.
func ForwardSubscription(conn *websocket.Conn, ch <-chan domain.Event) (done <-chan struct{}) {
	d := make(chan struct{})
	go func() {
		defer close(d)
		for evt := range ch {
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()
	return d
}
