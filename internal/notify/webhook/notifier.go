package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/notify/types"
)

// Settings contains webhook-specific configuration
type Settings struct {
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	EventType    string               `json:"eventType"`
	InstanceName string               `json:"instanceName"`
	Message      string               `json:"message,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Job          *types.JobEvent      `json:"job,omitempty"`
	Recovery     *types.RecoveryEvent `json:"recovery,omitempty"`
}

// Notifier sends notifications to a custom webhook endpoint
type Notifier struct {
	name       string
	settings   Settings
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ types.Notifier = (*Notifier)(nil)

// New creates a new webhook notifier
func New(name string, settings Settings, httpClient *http.Client, logger zerolog.Logger) *Notifier {
	if settings.Method == "" {
		settings.Method = http.MethodPost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		name:       name,
		settings:   settings,
		httpClient: httpClient,
		logger:     logger.With().Str("notifier", "webhook").Str("name", name).Logger(),
	}
}

func (n *Notifier) Type() types.NotifierType {
	return types.NotifierWebhook
}

func (n *Notifier) Name() string {
	return n.name
}

func (n *Notifier) Test(ctx context.Context) error {
	return n.send(ctx, Payload{
		EventType:    "test",
		InstanceName: "Grabber",
		Message:      "Test notification from Grabber",
		Timestamp:    time.Now().UTC(),
	})
}

func (n *Notifier) OnJobFinished(ctx context.Context, event types.JobEvent) error {
	return n.send(ctx, Payload{
		EventType:    string(event.Type),
		InstanceName: "Grabber",
		Message:      jobMessage(event),
		Timestamp:    event.FinishedAt,
		Job:          &event,
	})
}

func (n *Notifier) OnRecovery(ctx context.Context, event types.RecoveryEvent) error {
	msg := fmt.Sprintf("Resumed %d interrupted downloads", event.Jobs)
	if !event.Restored {
		msg = fmt.Sprintf("Cancelled %d interrupted downloads", event.Jobs)
	}
	return n.send(ctx, Payload{
		EventType:    string(types.EventRecovery),
		InstanceName: "Grabber",
		Message:      msg,
		Timestamp:    event.OccurredAt,
		Recovery:     &event,
	})
}

func jobMessage(e types.JobEvent) string {
	label := e.Title
	if e.Episode != "" {
		label += " " + e.Episode
	}
	switch e.Type {
	case types.EventJobSucceeded:
		return "Downloaded " + label
	case types.EventJobStopped:
		return "Stopped " + label
	default:
		if e.Reason != "" {
			return fmt.Sprintf("Failed to download %s: %s", label, e.Reason)
		}
		return "Failed to download " + label
	}
}

func (n *Notifier) send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, n.settings.Method, n.settings.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	// Add basic auth if configured
	if n.settings.Username != "" && n.settings.Password != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(n.settings.Username + ":" + n.settings.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	for key, value := range n.settings.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
