package models

import (
	"fmt"
	"strings"
	"time"
)

// TicketPayload is a support ticket raised from the device.
type TicketPayload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Category    string            `json:"category,omitempty"`
	Reporter    string            `json:"reporter,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks required ticket fields.
func (p *TicketPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("ticket title is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("ticket description is required")
	}
	return nil
}

// FeedbackPayload is user feedback about the application.
type FeedbackPayload struct {
	Rating     int               `json:"rating"`
	Comment    string            `json:"comment,omitempty"`
	Category   string            `json:"category,omitempty"`
	Email      string            `json:"email,omitempty"`
	AppVersion string            `json:"app_version,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the rating range and that the feedback says something.
func (p *FeedbackPayload) Validate() error {
	if p.Rating < 0 || p.Rating > 5 {
		return fmt.Errorf("feedback rating must be between 0 and 5, got %d", p.Rating)
	}
	if p.Rating == 0 && strings.TrimSpace(p.Comment) == "" {
		return fmt.Errorf("feedback needs a rating or a comment")
	}
	return nil
}

// LogPayload is a captured diagnostic log.
type LogPayload struct {
	Source     string            `json:"source"`
	Level      string            `json:"level,omitempty"`
	Content    string            `json:"content"`
	CapturedAt time.Time         `json:"captured_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks required log fields.
func (p *LogPayload) Validate() error {
	if strings.TrimSpace(p.Source) == "" {
		return fmt.Errorf("log source is required")
	}
	if p.Content == "" {
		return fmt.Errorf("log content is empty")
	}
	return nil
}
