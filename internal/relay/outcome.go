package relay

import "fmt"

// Kind classifies how a handler finished.
type Kind int

const (
	// Delivered means the event passed validation and was emitted.
	Delivered Kind = iota
	// Dropped means the payload failed validation; nothing was emitted.
	Dropped
	// Failed means the handler hit an internal or transport error.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of handling one inbound event. The sender is never
// told about it; it exists for logging, metrics and tests.
type Outcome struct {
	Kind Kind
	// Reason describes why the event was dropped.
	Reason string
	// Err is the cause of a failure.
	Err error
	// Recipients is the number of connections the emission was queued to.
	Recipients int
}

func delivered(n int) Outcome { return Outcome{Kind: Delivered, Recipients: n} }

func dropped(reason string) Outcome { return Outcome{Kind: Dropped, Reason: reason} }

func failed(err error) Outcome { return Outcome{Kind: Failed, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case Dropped:
		return "dropped: " + o.Reason
	case Failed:
		return fmt.Sprintf("failed: %v", o.Err)
	default:
		return fmt.Sprintf("delivered to %d", o.Recipients)
	}
}
