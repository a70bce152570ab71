package delivery

import "time"

const DLQType = "record.dlq"

// DeadLetter is published to the DLQ topic when a record reaches a terminal
// failure.
type DeadLetter struct {
	Type       string `json:"type"`    // "record.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the DLQ was emitted
	DeliveryID string `json:"delivery_id"`
	Outcome    string `json:"outcome"` // exhausted, credential, error
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Record     Record `json:"record"` // full record snapshot
}

func NewDeadLetter(r Record, deliveryID, outcome string, httpStatus int, lastErr string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		DeliveryID: deliveryID,
		Outcome:    outcome,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Record:     r,
	}
}
