package status

// Status is the delivery status of a message. For messages authored locally
// it tracks the remote recipients' progress; for received messages it tracks
// this client's own ack/seen obligations toward the sender.
type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Seen      Status = "seen"
)

// Event is an inbound status signal from the real-time channel.
type Event string

const (
	EventDelivered Event = "delivered"
	EventSeen      Event = "seen"
)

// rank orders statuses so progression can be compared. Unknown values rank
// lowest so a malformed status can never mask a real one.
func rank(s Status) int {
	switch s {
	case Delivered:
		return 1
	case Seen:
		return 2
	default:
		return 0
	}
}

// Advance returns the status after applying event to current. The result is
// never a regression: a delivered event on a seen message is a no-op, and a
// seen event arriving before delivered jumps straight to seen.
func Advance(current Status, event Event) Status {
	var target Status
	switch event {
	case EventDelivered:
		target = Delivered
	case EventSeen:
		target = Seen
	default:
		return current
	}
	if rank(target) > rank(current) {
		return target
	}
	return current
}

// Parse normalizes a wire status value. Anything unrecognized degrades to
// Sent, the weakest state, so bad input can only delay progression.
func Parse(raw string) Status {
	switch Status(raw) {
	case Sent, Delivered, Seen:
		return Status(raw)
	default:
		return Sent
	}
}
