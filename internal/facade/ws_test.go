package facade

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHandleEventsStreamsSetpointChange(t *testing.T) {
	srv, store, _ := newTestServer(t)

	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/devices/boiler-1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give handleEvents time to Subscribe before the mutation fires,
	// since the event Bus's fan-out is synchronous and only reaches
	// subscribers already registered at publish time.
	time.Sleep(50 * time.Millisecond)

	if _, err := store.SetSetpoint("boiler-1", 26.0); err != nil {
		t.Fatalf("SetSetpoint: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), `"device_id":"boiler-1"`) {
		t.Fatalf("unexpected event frame: %s", msg)
	}
	if !strings.Contains(string(msg), `"setpoint_temperature":26`) {
		t.Fatalf("event frame missing updated setpoint: %s", msg)
	}
}

func TestHandleEventsUnknownDeviceReturnsHTTPError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/devices/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail for an unknown device")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}
