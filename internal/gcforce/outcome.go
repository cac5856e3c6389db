package gcforce

// Outcome is the terminal condition that ended an invocation.
type Outcome int

const (
	OutcomeNone           Outcome = iota
	OutcomeCompleted              // the requested collection's stop was matched
	OutcomeCancelled              // the caller cancelled
	OutcomeNoData                 // nothing arrived within the grace window
	OutcomeTimedOut               // the absolute timeout elapsed
	OutcomeConsumerExited         // the stream ended before any other condition
	OutcomeAttachFailed           // no session could be established
	OutcomeFault                  // an unexpected fault outside the arbiter loop
)

var outcomeNames = map[Outcome]string{
	OutcomeNone:           "none",
	OutcomeCompleted:      "completed",
	OutcomeCancelled:      "cancelled",
	OutcomeNoData:         "no_data",
	OutcomeTimedOut:       "timed_out",
	OutcomeConsumerExited: "consumer_exited",
	OutcomeAttachFailed:   "attach_failed",
	OutcomeFault:          "fault",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// MarshalText renders the outcome by name in structured logs.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
