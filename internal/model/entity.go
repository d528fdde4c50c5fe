package model

import "time"

// EventEntity is the row the fabric reads to resolve events and share links (GORM).
// The CRUD surface that writes it lives in the main API.
type EventEntity struct {
	ID           string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OwnerID      string    `gorm:"size:64;not null;index"`
	Title        string    `gorm:"size:255;not null;default:''"`
	ShareToken   string    `gorm:"size:64;uniqueIndex"`
	ShareEnabled bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (EventEntity) TableName() string { return "events" }
