package models

import "time"

// ContainerRecord is a persisted view of the containers visible to the caller.
// Unique per (Backend, Name)
// Only the listing fields are stored so the table survives backend changes.
type ContainerRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Backend   string    `gorm:"uniqueIndex:idx_container_backend_name;not null" json:"backend"`
	Name      string    `gorm:"uniqueIndex:idx_container_backend_name;not null" json:"name"`
	Role      string    `json:"role"`
	IsPublic  bool      `json:"isPublic"`
	SyncedAt  time.Time `json:"syncedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
