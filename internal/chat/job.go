package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// MemoryJob is one memory-extraction dispatch for a chat.
type MemoryJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"not null;index:uniq_memjob_user_idempo,unique,priority:1"`
	ChatID string `gorm:"type:varchar(64);index;not null"`

	// chat id + last turn id, so repeated gate hits on the same state share one job
	IdempotencyKey string `gorm:"type:varchar(128);not null;index:uniq_memjob_user_idempo,unique,priority:2"`

	Reason string    `gorm:"type:varchar(32);not null"`
	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultCount int

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (MemoryJob) TableName() string { return "memory_jobs" }
