package spannounce

import "time"

// Record is an announcement as persisted to the backend, one per key.
type Record struct {
	Content   string     `json:"content"`
	Secret    string     `json:"secret"`
	Public    bool       `json:"public"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// View is an announcement as rendered for readers. It never includes the
// secret.
type View struct {
	Content          string     `json:"content"`
	Public           bool       `json:"public"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresInSeconds *int64     `json:"expires_in_seconds,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}
