package models

import (
	"net/url"
	"strings"
	"time"
)

// Creative review statuses.
const (
	CreativeStatusPending  = "pending"
	CreativeStatusApproved = "approved"
	CreativeStatusRejected = "rejected"
)

// Creative formats accepted for review.
const (
	CreativeFormatImage = "image"
	CreativeFormatVideo = "video"
	CreativeFormatHTML  = "html"
)

// DefaultCreativeLimit and MaxCreativeLimit bound a creative listing page.
const (
	DefaultCreativeLimit = 100
	MaxCreativeLimit     = 1000
)

// Creative is an ad asset a brand submits for review before it may serve.
type Creative struct {
	ID           int       `json:"id"`
	BrandID      int       `json:"brand_id"`
	CreativeURL  string    `json:"creative_url"`
	CreativeType string    `json:"creative_type"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Status       string    `json:"status"`
	RejectReason string    `json:"reject_reason,omitempty"`
	ReviewedBy   string    `json:"reviewed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks a creative submitted for review. Status and review fields
// are set by the store, not the submitter.
func (c *Creative) Validate() error {
	if c.BrandID <= 0 {
		return &ValidationError{Field: "brand_id", Reason: "must be positive"}
	}
	u, err := url.Parse(c.CreativeURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: "creative_url", Reason: "must be an absolute http(s) URL"}
	}
	if len(c.CreativeURL) > 1024 {
		return &ValidationError{Field: "creative_url", Reason: "exceeds 1024 characters"}
	}
	switch strings.ToLower(c.CreativeType) {
	case CreativeFormatImage, CreativeFormatVideo, CreativeFormatHTML:
	default:
		return &ValidationError{Field: "creative_type", Reason: "must be image, video or html"}
	}
	if c.Width < 0 || c.Height < 0 {
		return &ValidationError{Field: "dimensions", Reason: "must not be negative"}
	}
	return nil
}

// CreativeStatusUpdate is a reviewer's decision on a creative.
type CreativeStatusUpdate struct {
	Status       string `json:"status"`
	RejectReason string `json:"reject_reason,omitempty"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`
}

// ValidCreativeStatus reports whether status is a known review status.
func ValidCreativeStatus(status string) bool {
	switch status {
	case CreativeStatusPending, CreativeStatusApproved, CreativeStatusRejected:
		return true
	}
	return false
}

// Validate rejects unknown statuses. A reject reason is kept only for
// rejections; any other status clears it.
func (u *CreativeStatusUpdate) Validate() error {
	if !ValidCreativeStatus(u.Status) {
		return &ValidationError{Field: "status", Reason: "must be pending, approved or rejected"}
	}
	if len(u.RejectReason) > 1024 {
		return &ValidationError{Field: "reject_reason", Reason: "exceeds 1024 characters"}
	}
	if u.Status != CreativeStatusRejected {
		u.RejectReason = ""
	}
	return nil
}

// CreativeFilter narrows a creative listing. Zero values match everything.
type CreativeFilter struct {
	BrandID int
	Status  string
	Skip    int
	Limit   int
}

// Normalize clamps paging into range and fills the default page size.
func (f CreativeFilter) Normalize() CreativeFilter {
	if f.Skip < 0 {
		f.Skip = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultCreativeLimit
	}
	if f.Limit > MaxCreativeLimit {
		f.Limit = MaxCreativeLimit
	}
	return f
}
