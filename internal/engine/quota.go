package engine

// RoundQuota counts drain rounds within one tick and enforces MaxRounds.
//
// A tick settles when a round leaves nothing dirty. A graph with a live
// feedback loop (a pad bound into its own upstream) never settles; the
// quota turns that into a NO_QUIESCENCE RuntimeError instead of a hang.
//
// Together with hotspot tracking (cycle.go) it reports where the loop is.
type RoundQuota struct {
	maxRounds int // Maximum rounds per tick
	current   int // Rounds started this tick
}

// NewRoundQuota creates a quota with the given limit.
//
// Typical default: DefaultMaxRounds (configurable via WithMaxRounds()).
func NewRoundQuota(maxRounds int) *RoundQuota {
	return &RoundQuota{maxRounds: maxRounds}
}

// Next counts one more round. It returns false once the limit is exceeded.
func (q *RoundQuota) Next() bool {
	q.current++
	return q.current <= q.maxRounds
}

// Reset resets the round counter at the start of a tick.
func (q *RoundQuota) Reset() {
	q.current = 0
}

// Current returns the number of rounds started this tick.
// Used for logging and tick reports.
func (q *RoundQuota) Current() int {
	return q.current
}

// MaxRounds returns the limit.
func (q *RoundQuota) MaxRounds() int {
	return q.maxRounds
}
