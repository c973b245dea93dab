package models

import (
	"fmt"
	"time"
)

type EmailStatus string

const (
	StatusScheduled EmailStatus = "scheduled"
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

type EmailRecord struct {
	ID          int64  `json:"id"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	SenderEmail string `json:"senderEmail"`
	UserID      int64  `json:"userId"`
	ZoneID      string `json:"zoneId,omitempty"`
	HourlyLimit int    `json:"hourlyLimit"`

	Status        EmailStatus `json:"status"`
	ScheduledTime time.Time   `json:"scheduledTime"`
	SentAt        *time.Time  `json:"sentAt"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// JobPayload is what a dispatch job carries to the worker.
type JobPayload struct {
	RecordID    int64  `json:"recordId"`
	SenderEmail string `json:"senderEmail"`
	HourlyLimit int    `json:"hourlyLimit"`
	UserID      int64  `json:"userId"`
}

type DispatchJob struct {
	Key     string
	DueAt   time.Time
	Payload JobPayload
}

// JobKey is the dedup key of the single live job a record may own.
func JobKey(recordID int64) string {
	return fmt.Sprintf("email-%d", recordID)
}

// JobFor builds the dispatch job that fires rec at its scheduled time.
func JobFor(rec EmailRecord) DispatchJob {
	return DispatchJob{
		Key:   JobKey(rec.ID),
		DueAt: rec.ScheduledTime,
		Payload: JobPayload{
			RecordID:    rec.ID,
			SenderEmail: rec.SenderEmail,
			HourlyLimit: rec.HourlyLimit,
			UserID:      rec.UserID,
		},
	}
}
