package model

import "time"

// Report is a moderation report filed against another user, optionally
// carrying the reporter's local chat transcript as evidence.
type Report struct {
	ID         int64     `json:"id"`
	ReporterID string    `json:"reporter_id"`
	ReportedID string    `json:"reported_id"`
	Reason     string    `json:"reason"`
	ChatLog    string    `json:"chat_log"`
	Timestamp  time.Time `json:"timestamp"`
}
