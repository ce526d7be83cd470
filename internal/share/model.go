// Package share implements the expiring file share lifecycle: code allocation,
// upload commit, resolution and deletion.
package share

import (
	"path"
	"strings"
	"time"
)

// Status is the persistence state of a share record.
type Status string

const (
	// StatusPending marks a code reserved by an in-flight upload. Resolve never sees it.
	StatusPending Status = "pending"
	// StatusLive marks a fully committed share with a resolvable URL.
	StatusLive Status = "live"
)

// Record is the durable record of one share.
type Record struct {
	Code      string    `json:"code"`
	Status    Status    `json:"status"`
	FileName  string    `json:"fileName"`
	BlobKey   string    `json:"blobKey"`
	FileURL   string    `json:"file"`
	Size      int64     `json:"size"`
	JobID     string    `json:"jobId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Reservation identifies the upload that reserved the code.
	Reservation string `json:"-"`
}

// Descriptor is what a downloader receives for a live code.
type Descriptor struct {
	File      string    `json:"file" example:"http://localhost:9000/tempfileshare-storage-bucket/4821/report.pdf"`
	FileName  string    `json:"fileName" example:"report.pdf"`
	ExpiresAt time.Time `json:"expiresAt" example:"2026-10-18T15:04:05Z"`
}

func (r *Record) descriptor() *Descriptor {
	return &Descriptor{File: r.FileURL, FileName: r.FileName, ExpiresAt: r.ExpiresAt}
}

// BlobPrefix is the storage prefix owning every object of a share.
func BlobPrefix(code string) string {
	return code + "/"
}

// BlobKey derives the storage key for a share's file.
func BlobKey(code, fileName string) string {
	return BlobPrefix(code) + fileName
}

// sanitizeFileName keeps only the base name so a client cannot escape the code prefix.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(strings.TrimSpace(name))
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// fileExtension returns the lower-cased extension without the dot, or "" if none.
func fileExtension(name string) string {
	ext := path.Ext(name)
	if len(ext) <= 1 {
		return ""
	}
	return strings.ToLower(ext[1:])
}
