package database

import "time"

// Setting is one row of the key/value table backing the persistence store.
// Values are opaque strings; the history service and host inventory store
// JSON documents here.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
