// Typed context payloads for the built-in trigger types.
// Hosts may pass these instead of hand-built maps; the engine converts
// them through their JSON encoding, so the json tags are the field paths
// rule conditions refer to (e.g. "client.status").

package generated

import "time"

// Client is a prospective or retained client of the practice.
type Client struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Status          string    `json:"status,omitempty"`
	Source          string    `json:"source,omitempty"`
	PracticeArea    string    `json:"practiceArea,omitempty"`
	AssignedTo      string    `json:"assignedTo,omitempty"`
	EstimatedValue  float64   `json:"estimatedValue,omitempty"`
	LastContactedAt time.Time `json:"lastContactedAt,omitzero"`
}

// Matter is a legal engagement opened for a client.
type Matter struct {
	ID           string `json:"id"`
	ClientID     string `json:"clientId"`
	Title        string `json:"title"`
	PracticeArea string `json:"practiceArea,omitempty"`
	Status       string `json:"status,omitempty"`
	AssignedTo   string `json:"assignedTo,omitempty"`
}

// Document is a file uploaded against a client or matter.
type Document struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	MatterID   string `json:"matterId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	UploadedBy string `json:"uploadedBy,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
}
