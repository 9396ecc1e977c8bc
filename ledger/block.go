package ledger

import "time"

// Block is a committed validation chained to the previous block.
type Block struct {
	Index     int        `json:"index"`
	Timestamp int64      `json:"timestamp"`
	PrevHash  string     `json:"prev_hash"`
	Hash      string     `json:"hash"`
	Record    Validation `json:"record"`
	Metadata  Metadata   `json:"metadata"`
}

// Validation is one increment of a code validation counter.
type Validation struct {
	VotationID  string    `json:"votation_id"`
	Code        string    `json:"code"`
	Name        string    `json:"name,omitempty"`
	Type        string    `json:"type"`
	Validations int       `json:"validations"`
	ScanMode    string    `json:"scan_mode"`
	OpenedBy    string    `json:"opened_by"`
	Offline     bool      `json:"offline,omitempty"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

type Metadata struct {
	CommittedBy string            `json:"committed_by"`
	Extra       map[string]string `json:"extra,omitempty"`
}
