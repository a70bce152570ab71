package delivery

import "errors"

var errEmptyBody = errors.New("record has an empty body")

// Record is one queued body waiting to be delivered to the sink endpoint.
// A nil Key routes to the insert URL; Body is sent verbatim.
type Record struct {
	ID           string            `json:"id,omitempty"`
	Key          *string           `json:"key"`
	Body         string            `json:"body"`
	EnqueuedAt   string            `json:"enqueued_at,omitempty"`   // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Validate reports why a decoded record cannot be delivered.
func (r Record) Validate() error {
	if r.Body == "" {
		return errEmptyBody
	}
	return nil
}
