// Package versions holds the ordered revision list of each document.
package versions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRecord   = errors.New("invalid version record")
	ErrVersionNotFound = errors.New("version not found")
)

// Record is one uploaded revision. Records are immutable once created; the list
// as a whole is rewritten on every change.
type Record struct {
	ID            string `json:"id"`
	VersionNumber int    `json:"versionNumber"`
	SourceName    string `json:"sourceName"`
	// ContentLocator points at the in-process handle and does not survive a restart.
	ContentLocator string `json:"contentLocator,omitempty"`
	// DurableRef is the blob store reference used to rehydrate the content.
	DurableRef string `json:"durableRef,omitempty"`
	// RemoteID is the server-side id once the version exists on the server.
	RemoteID    string    `json:"remoteId,omitempty"`
	Description string    `json:"description"`
	UploadedAt  time.Time `json:"uploadedAt"`
	UploadedBy  string    `json:"uploadedBy"`
	// AnnotationCount is a hint captured at upload time, not an authoritative count.
	AnnotationCount int   `json:"annotationCount"`
	PageCount       int   `json:"pageCount,omitempty"`
	Size            int64 `json:"size,omitempty"`
}

// NewRecord validates the fields every revision must carry.
func NewRecord(id string, number int, sourceName, description, uploadedBy string, uploadedAt time.Time) (Record, error) {
	id = strings.TrimSpace(id)
	sourceName = strings.TrimSpace(sourceName)
	description = strings.TrimSpace(description)
	uploadedBy = strings.TrimSpace(uploadedBy)
	switch {
	case id == "":
		return Record{}, fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case number < 1:
		return Record{}, fmt.Errorf("%w: version number must be positive", ErrInvalidRecord)
	case sourceName == "":
		return Record{}, fmt.Errorf("%w: source name is required", ErrInvalidRecord)
	case description == "":
		return Record{}, fmt.Errorf("%w: description is required", ErrInvalidRecord)
	case uploadedBy == "":
		return Record{}, fmt.Errorf("%w: uploader is required", ErrInvalidRecord)
	}
	return Record{
		ID:            id,
		VersionNumber: number,
		SourceName:    sourceName,
		Description:   description,
		UploadedAt:    uploadedAt.UTC(),
		UploadedBy:    uploadedBy,
	}, nil
}

// Latest returns the record with the highest version number.
func Latest(list []Record) (Record, bool) {
	if len(list) == 0 {
		return Record{}, false
	}
	latest := list[0]
	for _, record := range list[1:] {
		if record.VersionNumber > latest.VersionNumber {
			latest = record
		}
	}
	return latest, true
}

func Find(list []Record, id string) (Record, bool) {
	for _, record := range list {
		if record.ID == id {
			return record, true
		}
	}
	return Record{}, false
}

func maxNumber(list []Record) int {
	highest := 0
	for _, record := range list {
		if record.VersionNumber > highest {
			highest = record.VersionNumber
		}
	}
	return highest
}
