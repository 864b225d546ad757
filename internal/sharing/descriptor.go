package sharing

import (
	"fmt"
	"strings"
	"time"

	"github.com/securedrop/securedrop/internal/metadata"
)

// Descriptor is the public view of a file record returned to callers.
type Descriptor struct {
	AccessCode       string               `json:"accessCode"`
	FileName         string               `json:"fileName"`
	FileSize         int64                `json:"fileSize"`
	MimeType         string               `json:"mimeType"`
	Mode             metadata.StorageMode `json:"mode"`
	ShareURL         string               `json:"shareUrl"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	MaxDownloads     int                  `json:"maxDownloads"`
	CurrentDownloads int                  `json:"currentDownloads"`
	OwnerID          string               `json:"ownerId,omitempty"`
}

// Page is one page of descriptors plus paging info.
type Page struct {
	Items    []*Descriptor `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Total    int           `json:"total"`
}

func (s *Service) describe(rec *metadata.FileRecord) *Descriptor {
	return &Descriptor{
		AccessCode:       rec.AccessCode,
		FileName:         rec.FileName,
		FileSize:         rec.Size,
		MimeType:         rec.ContentType,
		Mode:             rec.Mode,
		ShareURL:         s.shareURL(rec.AccessCode),
		ExpiresAt:        rec.ExpiresAt,
		MaxDownloads:     rec.MaxDownloads,
		CurrentDownloads: rec.DownloadCount,
		OwnerID:          rec.OwnerID,
	}
}

func (s *Service) shareURL(code string) string {
	return fmt.Sprintf("%s/public/files/%s/download", strings.TrimRight(s.baseURL, "/"), code)
}
