package connection

// State is the lifecycle state of the persistent channel.
type State int

const (
	// Idle is the state before the first connect.
	Idle State = iota
	// Connecting means a dial is in flight.
	Connecting
	// Open means the channel can carry sends.
	Open
	// Closed means the channel is down. A reconnect may be pending.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Open, Closed},
	Open:       {Closed},
	Closed:     {Connecting},
}

// CanTransition reports whether from -> to is a legal edge.
// Open is only reachable through Connecting.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Budget bounds automatic reconnects. It is not safe for concurrent use;
// the Manager guards it with its own mutex.
type Budget struct {
	attempts int
	ceiling  int
}

// NewBudget returns a budget allowing ceiling reconnects between
// successful opens.
func NewBudget(ceiling int) *Budget {
	if ceiling < 0 {
		ceiling = 0
	}
	return &Budget{ceiling: ceiling}
}

// Reset clears spent attempts. Called only after a successful open.
func (b *Budget) Reset() {
	b.attempts = 0
}

// Spend consumes one attempt and reports whether a reconnect may be
// scheduled.
func (b *Budget) Spend() bool {
	if b.attempts >= b.ceiling {
		return false
	}
	b.attempts++
	return true
}

// Exhaust marks the budget as spent so no reconnect is scheduled.
func (b *Budget) Exhaust() {
	b.attempts = b.ceiling
}

// Exhausted reports whether no attempts remain.
func (b *Budget) Exhausted() bool {
	return b.attempts >= b.ceiling
}

// Attempts returns the number of attempts spent since the last open.
func (b *Budget) Attempts() int {
	return b.attempts
}

// Ceiling returns the maximum number of attempts.
func (b *Budget) Ceiling() int {
	return b.ceiling
}

// SetCeiling changes the ceiling without touching spent attempts.
func (b *Budget) SetCeiling(ceiling int) {
	if ceiling < 0 {
		ceiling = 0
	}
	b.ceiling = ceiling
}
