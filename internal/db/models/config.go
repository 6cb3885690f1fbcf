package models

import "time"

// Config stores generated application settings such as the OAuth state secret.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
