package library

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrNotFound        = errors.New("record not found")
)

type RecordID = string

// Record is a video committed to the library.
type Record struct {
	ID              RecordID `gorm:"primaryKey"`
	SourceURL       string
	ContentHash     string
	FilePath        string
	FileSize        int64
	DurationSeconds float64
	Codec           string
	Resolution      string
	Title           string
	Uploader        string
	Platform        string
	VideoID         string
	UploadDate      *time.Time
	ViewCount       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

func (Record) TableName() string {
	return "records"
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{ID:%q, SourceURL:%q, Title:%q}", r.ID, r.SourceURL, r.Title)
}

// DuplicateRecordError is returned when a record would violate the uniqueness of source URL or content hash among
// live records. Existing is the record already in the library, if it could be found.
type DuplicateRecordError struct {
	Existing *Record
	// Field is "source_url" or "content_hash".
	Field string
}

func (e *DuplicateRecordError) Error() string {
	if e.Existing == nil {
		return fmt.Sprintf("%v: %v", ErrDuplicateRecord, e.Field)
	}
	return fmt.Sprintf("%v: %v matches record %v", ErrDuplicateRecord, e.Field, e.Existing.ID)
}

func (e *DuplicateRecordError) Unwrap() error {
	return ErrDuplicateRecord
}

// MediaUpdate is the set of fields that change when a record's file is replaced.
type MediaUpdate struct {
	ContentHash     string
	FilePath        string
	FileSize        int64
	Codec           string
	Resolution      string
	DurationSeconds float64
}

// Query filters List. Zero values mean no filter; Limit defaults to DefaultListLimit.
type Query struct {
	Text     string
	Platform string
	Uploader string
	Limit    int
	Offset   int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)
