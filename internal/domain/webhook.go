package domain

import "time"

// Webhook is an external subscription to a set of event types.
type Webhook struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	URL       string      `json:"url"`
	Secret    string      `json:"-"`
	Events    []EventType `json:"events"`
	IsActive  bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HasSecret reports whether deliveries to this webhook are signed.
func (w *Webhook) HasSecret() bool {
	return w.Secret != ""
}

// Subscribes reports whether the webhook's event set contains t.
func (w *Webhook) Subscribes(t EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// CreateWebhookRequest is the registration input.
type CreateWebhookRequest struct {
	Name     string   `json:"name" validate:"required,max=255"`
	URL      string   `json:"url" validate:"required,url,max=2048"`
	Secret   string   `json:"secret,omitempty" validate:"max=255"`
	Events   []string `json:"events" validate:"required,min=1,dive,eventtype"`
	IsActive *bool    `json:"is_active,omitempty"`
}

// UpdateWebhookRequest is a partial update; nil fields are left unchanged.
// An empty Secret clears the signing secret.
type UpdateWebhookRequest struct {
	Name     *string   `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	URL      *string   `json:"url,omitempty" validate:"omitempty,url,max=2048"`
	Secret   *string   `json:"secret,omitempty" validate:"omitempty,max=255"`
	Events   *[]string `json:"events,omitempty"`
	IsActive *bool     `json:"is_active,omitempty"`
}
