package model

import (
	"time"
)

// Lease represents a named, expiring lock held by one service instance
type Lease struct {
	Name      string    `json:"name" bson:"_id"`
	LockedBy  string    `json:"locked_by" bson:"locked_by"`   // Pod identifier (hostname)
	LockedAt  time.Time `json:"locked_at" bson:"locked_at"`   // Lock acquisition timestamp
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"` // Lock expiration (TTL)
}
