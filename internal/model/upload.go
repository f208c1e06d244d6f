package model

import "time"

// UploadRecord is the local history entry for one log upload.
type UploadRecord struct {
	ID         string    `json:"id" db:"id"`
	File       string    `json:"file" db:"file"`
	State      string    `json:"state" db:"state"`
	Error      string    `json:"error,omitempty" db:"error"`
	Result     string    `json:"result,omitempty" db:"result"`
	Source     string    `json:"source" db:"source"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
}

// Upload sources.
const (
	UploadSourceCLI     = "cli"
	UploadSourceTUI     = "tui"
	UploadSourceMailbox = "mailbox"
)
