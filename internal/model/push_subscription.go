package model

import "time"

// PushSubscription holds the information for a browser push subscription
// registered by a workspace owner.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	Owner     string    `gorm:"size:64;not null;index"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
