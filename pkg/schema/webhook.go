package schema

import "time"

// WebhookRetryPolicy controls redelivery of a failed webhook POST.
type WebhookRetryPolicy struct {
	MaxAttempts  int     `json:"maxAttempts" validate:"gte=1,lte=20"`
	InitialDelay string  `json:"initialDelay,omitempty"`
	Multiplier   float64 `json:"multiplier" validate:"gte=1"`
}

// DefaultWebhookRetryPolicy is 3 attempts, 1s initial delay, doubling.
func DefaultWebhookRetryPolicy() WebhookRetryPolicy {
	return WebhookRetryPolicy{MaxAttempts: 3, InitialDelay: "1s", Multiplier: 2}
}

// Delay parses InitialDelay. Empty means no wait between attempts.
func (p WebhookRetryPolicy) Delay() (time.Duration, error) {
	return ParseDuration(p.InitialDelay)
}

// WebhookConfig is an externally registered HTTP subscriber.
type WebhookConfig struct {
	ID        string             `json:"id"`
	URL       string             `json:"url" validate:"required,url"`
	Events    []string           `json:"events" validate:"required,min=1,dive,required"`
	Secret    string             `json:"secret,omitempty"`
	Enabled   bool               `json:"enabled"`
	Retry     WebhookRetryPolicy `json:"retry"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Subscribed reports whether the webhook wants events of the given type.
func (w *WebhookConfig) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == EventWildcard {
			return true
		}
	}
	return false
}

// WebhookDelivery is the outcome of delivering one event to one webhook.
type WebhookDelivery struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhookId"`
	EventType  string    `json:"eventType"`
	Attempts   int       `json:"attempts"`
	Succeeded  bool      `json:"succeeded"`
	StatusCode int       `json:"statusCode,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
