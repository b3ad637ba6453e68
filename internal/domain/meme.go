package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MemeStatus represents the processing status of a meme record.
// Values include MemeStatusPending, MemeStatusActive, and MemeStatusFailed.
type MemeStatus string

const (
	MemeStatusPending MemeStatus = "pending"
	MemeStatusActive  MemeStatus = "active"
	MemeStatusFailed  MemeStatus = "failed"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Meme is a row of the memes table. ID is the monotonically increasing key the
// backfill jobs paginate on; VLMDescription is the text they rewrite and embed.
type Meme struct {
	ID             int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceType     string      `gorm:"type:text;index:idx_memes_source" json:"source_type"`
	StorageKey     string      `gorm:"type:text" json:"storage_key"`
	VLMDescription string      `gorm:"column:vlm_description;type:text" json:"vlm_description"`
	EmbeddingModel string      `gorm:"type:text" json:"embedding_model,omitempty"`
	Tags           StringArray `gorm:"type:text" json:"tags"`
	Category       string      `gorm:"type:text;index:idx_memes_category" json:"category"`
	Status         MemeStatus  `gorm:"type:text;index:idx_memes_status;default:pending" json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Meme.
func (Meme) TableName() string {
	return "memes"
}
