package model

import "time"

// FetchCursor is the durable distribution position for one
// (taxpayer, document type) pair.
type FetchCursor struct {
	TaxpayerID       string       `json:"taxpayer_id"`
	DocumentType     DocumentType `json:"document_type"`
	LastNSU          uint64       `json:"last_nsu"`
	LastSyncAt       *time.Time   `json:"last_sync_at,omitempty"`
	RateLimitedUntil *time.Time   `json:"rate_limited_until,omitempty"`
}

// BlockedAt reports whether the pair is still rate limited at now and,
// if so, the remaining wait.
func (c *FetchCursor) BlockedAt(now time.Time) (time.Duration, bool) {
	if c.RateLimitedUntil == nil || !now.Before(*c.RateLimitedUntil) {
		return 0, false
	}
	return c.RateLimitedUntil.Sub(now), true
}
