package harness

// TickRecord is what one scenario tick produced.
type TickRecord struct {
	Tick uint64 `json:"tick"`
	// Hash is the hash of the keyed output trees after the tick.
	Hash string `json:"hash"`
	// Outputs holds the plain value of every output after the tick.
	Outputs map[string]any `json:"outputs"`
	// Errors lists the codes of runtime errors the tick reported.
	Errors []string `json:"errors,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expectation and assertion held.
	Pass bool `json:"pass"`

	RunID string `json:"run_id"`

	// Ticks holds one record per scenario tick, in order.
	Ticks []TickRecord `json:"ticks"`

	// Errors contains failed expectations and assertions.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Ticks:  []TickRecord{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Final returns the last tick record, or nil for a scenario without ticks.
func (r *Result) Final() *TickRecord {
	if len(r.Ticks) == 0 {
		return nil
	}
	return &r.Ticks[len(r.Ticks)-1]
}
