package store

import (
	"encoding/json"
	"time"

	"manuscripthub/pkg/domain"
)

// Row types scanned from the relational handle.
type userRow struct {
	ID            string    `gorm:"column:id"`
	Email         string    `gorm:"column:email"`
	PasswordHash  string    `gorm:"column:password_hash"`
	Role          string    `gorm:"column:role"`
	Tier          string    `gorm:"column:tier"`
	EmailVerified bool      `gorm:"column:email_verified"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

type manuscriptRow struct {
	ID         string    `gorm:"column:id"`
	UserID     string    `gorm:"column:user_id"`
	Title      string    `gorm:"column:title"`
	Genre      string    `gorm:"column:genre"`
	WordCount  *int      `gorm:"column:word_count"`
	Status     string    `gorm:"column:status"`
	BlobKey    string    `gorm:"column:blob_key"`
	ReportID   *string   `gorm:"column:report_id"`
	FileType   string    `gorm:"column:file_type"`
	FileSize   int64     `gorm:"column:file_size"`
	Metadata   string    `gorm:"column:metadata"`
	UploadedAt time.Time `gorm:"column:uploaded_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

type tokenRow struct {
	TokenHash string     `gorm:"column:token_hash"`
	UserID    string     `gorm:"column:user_id"`
	Purpose   string     `gorm:"column:purpose"`
	ExpiresAt time.Time  `gorm:"column:expires_at"`
	UsedAt    *time.Time `gorm:"column:used_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

type usageRow struct {
	UserID          string    `gorm:"column:user_id"`
	PeriodStart     time.Time `gorm:"column:period_start"`
	PeriodEnd       time.Time `gorm:"column:period_end"`
	ManuscriptCount int       `gorm:"column:manuscript_count"`
}

type statusCountRow struct {
	Status string `gorm:"column:status"`
	N      int    `gorm:"column:n"`
	Words  int    `gorm:"column:words"`
}

type countRow struct {
	N int `gorm:"column:n"`
}

func userFromRow(r userRow) domain.Principal {
	return domain.Principal{
		ID:            r.ID,
		Email:         r.Email,
		PasswordHash:  r.PasswordHash,
		Role:          domain.UserRole(r.Role),
		Tier:          domain.Tier(r.Tier),
		EmailVerified: r.EmailVerified,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func manuscriptFromRow(r manuscriptRow) domain.Manuscript {
	m := domain.Manuscript{
		ID:        r.ID,
		OwnerID:   r.UserID,
		Title:     r.Title,
		Genre:     r.Genre,
		WordCount: r.WordCount,
		Status:    domain.ManuscriptStatus(r.Status),
		BlobKey:   r.BlobKey,
		FileType:  r.FileType,
		FileSize:  r.FileSize,
		CreatedAt: r.UploadedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.ReportID != nil {
		m.ReportID = *r.ReportID
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		_ = json.Unmarshal([]byte(r.Metadata), &m.Metadata)
	}
	return m
}

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
