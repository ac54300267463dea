package model

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is a single captured activity sample: the foreground app and
// window title at a point in time, plus idle/AFK state. Produced by the
// capture agent, consumed exactly once by the event buffer. Never persisted
// by this layer.
type RawEvent struct {
	UserID          uuid.UUID `json:"user_id"`
	App             string    `json:"app"`
	Title           string    `json:"title"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds int       `json:"duration_seconds"`
	AFK             bool      `json:"afk"`
	IdleSeconds     int       `json:"idle_seconds"`
}
