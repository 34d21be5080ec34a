package entities

import (
	"time"

	"github.com/google/uuid"
)

type RecordingRecord struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Filename   string    `json:"filename" gorm:"type:varchar(500);not null;uniqueIndex:idx_recordings_stream_file"`
	StreamName string    `json:"stream_name" gorm:"type:varchar(255);not null;uniqueIndex:idx_recordings_stream_file"`
	StreamApp  string    `json:"stream_app" gorm:"type:varchar(255);not null"`
	FileURL    string    `json:"file_url" gorm:"type:varchar(1000);not null"`
	FileSize   int64     `json:"file_size" gorm:"type:bigint;not null"`
	UploadTime time.Time `json:"upload_time" gorm:"type:timestamptz;not null"`
	Timestamp  string    `json:"timestamp" gorm:"type:varchar(255);not null"`
	Bucket     *string   `json:"bucket" gorm:"type:varchar(255)"`
	Region     *string   `json:"region" gorm:"type:varchar(64)"`
	CreatedAt  time.Time `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (RecordingRecord) TableName() string {
	return "recordings"
}
