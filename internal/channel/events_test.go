package channel

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/whispapp/whisp/internal/api"
	"github.com/whispapp/whisp/internal/bus"
	"github.com/whispapp/whisp/internal/status"
)

func testClient(t *testing.T) (*Client, *bus.Bus) {
	t.Helper()
	b := bus.New()
	c := NewClient("ws://unused", "", b, zap.NewNop())
	return c, b
}

func recvEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func dispatchRaw(c *Client, event, data string) {
	c.dispatch(&Envelope{Event: event, Data: json.RawMessage(data)})
}

func TestDispatchMessageNew(t *testing.T) {
	c, b := testClient(t)
	ch, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	dispatchRaw(c, EvtMessageNew, `{"_id":"m1","chatId":"c1","sender":"u2","type":"text","content":"hi","createdAt":1000}`)

	evt := recvEvent(t, ch)
	if evt.Kind != EventMessage {
		t.Fatalf("kind = %q, want %q", evt.Kind, EventMessage)
	}
	m := evt.Payload.(*api.Message)
	if m.ID != "m1" || m.ChatKey() != "c1" {
		t.Errorf("message = %+v", m)
	}
}

func TestDispatchDropsChatlessMessage(t *testing.T) {
	c, b := testClient(t)
	ch, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	dispatchRaw(c, EvtMessageNew, `{"_id":"m1","type":"text","content":"hi"}`)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q for chat-less message", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchStatusEvents(t *testing.T) {
	tests := []struct {
		wire string
		want status.Event
	}{
		{EvtMessageDelivered, status.EventDelivered},
		{EvtMessageSeen, status.EventSeen},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			c, b := testClient(t)
			ch, unsub := b.Subscribe("rt.", 8)
			defer unsub()

			dispatchRaw(c, tt.wire, `{"messageId":"m1","chatId":"c1"}`)

			evt := recvEvent(t, ch)
			if evt.Kind != EventStatus {
				t.Fatalf("kind = %q, want %q", evt.Kind, EventStatus)
			}
			se := evt.Payload.(*StatusEvent)
			if se.MessageID != "m1" || se.Event != tt.want {
				t.Errorf("status event = %+v, want event %q", se, tt.want)
			}
		})
	}
}

func TestDispatchPresence(t *testing.T) {
	c, b := testClient(t)
	ch, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	dispatchRaw(c, EvtUserOnline, `{"userId":"u1"}`)
	evt := recvEvent(t, ch)
	if evt.Kind != EventPresence {
		t.Fatalf("kind = %q, want %q", evt.Kind, EventPresence)
	}
	p := evt.Payload.(*PresenceEvent)
	if p.UserID != "u1" || !p.Online {
		t.Errorf("presence = %+v, want u1 online", p)
	}

	dispatchRaw(c, EvtUserOffline, `{"userId":"u1","lastSeen":123456}`)
	evt = recvEvent(t, ch)
	p = evt.Payload.(*PresenceEvent)
	if p.Online || p.LastSeen != 123456 {
		t.Errorf("presence = %+v, want offline at 123456", p)
	}
}

func TestDispatchPresenceSnapshot(t *testing.T) {
	c, b := testClient(t)
	ch, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	dispatchRaw(c, EvtPresenceSnapshot, `{"u1":{"online":true},"u2":{"online":false,"lastSeen":99}}`)

	evt := recvEvent(t, ch)
	if evt.Kind != EventPresenceSnapshot {
		t.Fatalf("kind = %q, want %q", evt.Kind, EventPresenceSnapshot)
	}
	snap := evt.Payload.(map[string]PresenceEvent)
	if len(snap) != 2 || !snap["u1"].Online || snap["u2"].LastSeen != 99 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDispatchUnknownEventIgnored(t *testing.T) {
	c, b := testClient(t)
	ch, unsub := b.Subscribe("rt.", 8)
	defer unsub()

	dispatchRaw(c, "typing", `{"userId":"u1"}`)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
