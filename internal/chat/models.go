package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type TurnKind string

const (
	KindMessage  TurnKind = "message"
	KindFollowUp TurnKind = "follow_up"
	KindFallback TurnKind = "fallback"
)

type Session struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerKind string         `gorm:"type:varchar(16);not null;index:idx_chat_sessions_owner,priority:1" json:"-"`
	OwnerID   int64          `gorm:"not null;index:idx_chat_sessions_owner,priority:2" json:"-"`
	Title     string         `gorm:"type:varchar(64);not null;default:''" json:"title"`
	Context   string         `gorm:"type:text" json:"-"`
	Provider  string         `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string         `gorm:"type:varchar(128);not null" json:"model"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Session) TableName() string { return "chat_sessions" }

// Turn is one user submission or one assistant paragraph. Rows are never
// updated after insert.
type Turn struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    string    `gorm:"type:varchar(64);not null;index:uniq_chat_turn,unique,priority:1" json:"chat_id"`
	OwnerKind string    `gorm:"type:varchar(16);not null" json:"-"`
	OwnerID   int64     `gorm:"not null;index" json:"-"`
	Sender    Sender    `gorm:"type:varchar(16);not null;index:uniq_chat_turn,unique,priority:2" json:"sender"`
	Kind      TurnKind  `gorm:"type:varchar(16);not null;default:'message'" json:"kind"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	TextHash  string    `gorm:"type:char(64);not null;index:uniq_chat_turn,unique,priority:3" json:"-"`
	Context   *string   `gorm:"type:text" json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Turn) TableName() string { return "chat_turns" }

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type SecurityThreat struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreatType      string    `gorm:"type:varchar(32);not null;index" json:"threat_type"`
	ThreatLevel     string    `gorm:"type:varchar(16);not null" json:"threat_level"`
	OriginalText    string    `gorm:"type:text;not null" json:"original_text"`
	MatchedPatterns string    `gorm:"type:text;not null" json:"matched_patterns"` // JSON array
	Origin          string    `gorm:"type:varchar(128)" json:"origin"`
	OwnerKind       string    `gorm:"type:varchar(16);not null" json:"-"`
	OwnerID         int64     `gorm:"not null;index" json:"-"`
	ChatID          *string   `gorm:"type:varchar(64);index" json:"chat_id,omitempty"`
	Handled         bool      `gorm:"not null;default:false" json:"handled"`
	CreatedAt       time.Time `json:"created_at"`
}

func (SecurityThreat) TableName() string { return "security_threats" }

type MemoryRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID      uint64    `gorm:"not null;index:idx_memory_owner_rank,priority:1" json:"-"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	Importance   int       `gorm:"not null;index:idx_memory_owner_rank,priority:2" json:"importance"`
	Tags         string    `gorm:"type:text" json:"tags"` // JSON array
	SourceChatID *string   `gorm:"type:varchar(64);index" json:"source_chat_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (MemoryRecord) TableName() string { return "memory_records" }

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Session{}, &Turn{}, &SecurityThreat{}, &MemoryRecord{}, &MemoryJob{}}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
