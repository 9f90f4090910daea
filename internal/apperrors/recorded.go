package apperrors

import "time"

// Recorded is the serializable snapshot of a classified error stored on job,
// test, and run records. It deliberately drops the cause chain: persisted
// records need the classification and message, not live error values.
type Recorded struct {
	Kind        Kind      `json:"kind"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Record classifies err with the given fallback kind and snapshots it for
// persistence. Returns nil for a nil error.
func Record(err error, fallback Kind, at time.Time) *Recorded {
	if err == nil {
		return nil
	}
	classified := Classify(err, fallback)
	return &Recorded{
		Kind:        classified.Kind,
		Code:        classified.Code,
		Message:     classified.Message,
		Recoverable: classified.Recoverable(),
		OccurredAt:  at,
	}
}

// String renders the record the same way live errors render.
func (r *Recorded) String() string {
	if r == nil {
		return ""
	}
	if r.Code != "" {
		return string(r.Kind) + " [" + r.Code + "]: " + r.Message
	}
	return string(r.Kind) + ": " + r.Message
}
