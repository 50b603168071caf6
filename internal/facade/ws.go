package facade

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/agrid-dev/heatctld/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon has no Modbus-style authentication either (spec.md's
	// Non-goals); the façade trusts the same network Modbus does.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type eventDTO struct {
	DeviceID string      `json:"device_id"`
	Kind     string      `json:"kind"`
	State    snapshotDTO `json:"state"`
}

// handleEvents upgrades to a WebSocket and streams every Event for one
// device as a JSON frame until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if _, err := s.store.Read(deviceID); err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	defer conn.Close()

	// Buffered so a slow client falls behind rather than blocking the
	// event Bus's synchronous fan-out; a full channel drops the event.
	out := make(chan state.Event, 32)
	subID := s.eb.Subscribe(func(ev state.Event) {
		if ev.DeviceID != deviceID {
			return
		}
		select {
		case out <- ev:
		default:
		}
	})
	defer s.eb.Unsubscribe(subID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-out:
			dto := eventDTO{DeviceID: ev.DeviceID, Kind: ev.Kind.String(), State: toDTO(ev.Snapshot)}
			b, err := json.Marshal(dto)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
