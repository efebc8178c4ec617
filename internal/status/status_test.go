package status

import "testing"

func TestAdvance(t *testing.T) {
	tests := []struct {
		current Status
		event   Event
		want    Status
	}{
		{Sent, EventDelivered, Delivered},
		{Sent, EventSeen, Seen},
		{Delivered, EventSeen, Seen},
		{Delivered, EventDelivered, Delivered},
		{Seen, EventDelivered, Seen},
		{Seen, EventSeen, Seen},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"+"+string(tt.event), func(t *testing.T) {
			if got := Advance(tt.current, tt.event); got != tt.want {
				t.Errorf("Advance(%s, %s) = %s, want %s", tt.current, tt.event, got, tt.want)
			}
		})
	}
}

// TestAdvanceNeverRegresses feeds every event permutation and checks the
// observed sequence is non-decreasing under sent < delivered < seen.
func TestAdvanceNeverRegresses(t *testing.T) {
	sequences := [][]Event{
		{EventDelivered, EventSeen},
		{EventSeen, EventDelivered},
		{EventSeen, EventSeen, EventDelivered},
		{EventDelivered, EventDelivered, EventSeen, EventDelivered},
	}
	for _, seq := range sequences {
		cur := Sent
		prev := rank(cur)
		for _, ev := range seq {
			cur = Advance(cur, ev)
			if rank(cur) < prev {
				t.Fatalf("sequence %v regressed to %s", seq, cur)
			}
			prev = rank(cur)
		}
	}
}

// A seen arriving before delivered must settle on seen, not revert.
func TestSeenBeforeDelivered(t *testing.T) {
	cur := Advance(Sent, EventSeen)
	if cur != Seen {
		t.Fatalf("after seen: %s, want seen", cur)
	}
	cur = Advance(cur, EventDelivered)
	if cur != Seen {
		t.Errorf("after late delivered: %s, want seen", cur)
	}
}

func TestAdvanceUnknownEvent(t *testing.T) {
	if got := Advance(Delivered, Event("read-by-all")); got != Delivered {
		t.Errorf("unknown event changed status to %s", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"sent", Sent},
		{"delivered", Delivered},
		{"seen", Seen},
		{"", Sent},
		{"read", Sent},
	}
	for _, tt := range tests {
		if got := Parse(tt.raw); got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}
