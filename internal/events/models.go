// Package events validates incoming batches and stores them as fact rows.
package events

import (
	"time"

	"tally/internal/dimensions"
	"tally/internal/models"
)

// EventType classifies a fact.
type EventType string

const (
	EventTypePageview   EventType = "pageview"
	EventTypeClick      EventType = "click"
	EventTypeConversion EventType = "conversion"
	EventTypeSearch     EventType = "search"
	EventTypeCustom     EventType = "custom"
)

// MaxBatchSize is the largest batch Ingest accepts.
const MaxBatchSize = 1000

// Event is an append-only fact row.
type Event struct {
	ID         uint               `gorm:"primaryKey"`
	EventTime  time.Time          `gorm:"not null;index"`
	SessionID  string             `gorm:"size:36;not null"`
	UserHash   string             `gorm:"size:64;not null"`
	PageID     uint               `gorm:"not null"`
	Page       dimensions.Page    `gorm:"foreignKey:PageID"`
	UTMID      *uint              `gorm:"column:utm_id"`
	UTM        *dimensions.UTM    `gorm:"foreignKey:UTMID"`
	DeviceID   uint               `gorm:"not null"`
	Device     dimensions.Device  `gorm:"foreignKey:DeviceID"`
	CountryID  uint               `gorm:"not null"`
	Country    dimensions.Country `gorm:"foreignKey:CountryID"`
	EventType  EventType          `gorm:"size:16;not null"`
	EventValue models.JSON        `gorm:"type:json"`
	CreatedAt  time.Time
}

func (Event) TableName() string { return "events" }

// EventInput is one event as received by the API.
type EventInput struct {
	EventTime   time.Time   `json:"event_time" validate:"required"`
	SessionID   string      `json:"session_id" validate:"len=36"`
	UserHash    string      `json:"user_hash" validate:"len=64"`
	PagePath    string      `json:"page_path" validate:"required,max=2048"`
	UTMSource   string      `json:"utm_source,omitempty" validate:"max=255"`
	UTMMedium   string      `json:"utm_medium,omitempty" validate:"max=255"`
	UTMCampaign string      `json:"utm_campaign,omitempty" validate:"max=255"`
	Device      string      `json:"device" validate:"required,device"`
	CountryISO2 string      `json:"country_iso2" validate:"len=2,alpha"`
	EventType   EventType   `json:"event_type" validate:"required,oneof=pageview click conversion search custom"`
	EventValue  models.JSON `json:"event_value,omitempty" validate:"jsonobject"`
}

// ItemError describes why one event of a batch was rejected.
type ItemError struct {
	Index  int    `json:"index"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// BatchResult summarizes an ingest call.
type BatchResult struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors"`
}
