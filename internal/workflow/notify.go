package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"phaseline/internal/config"
)

const defaultNotifyTimeout = 5 * time.Second

// Notification is the body posted to webhook targets when a phase
// fails or needs human attention.
type Notification struct {
	CycleID   string `json:"cycle_id"`
	PhaseID   string `json:"phase_id"`
	PhaseName string `json:"phase_name"`
	Reason    string `json:"reason"`
	Action    string `json:"action"`
	TS        string `json:"ts"`
}

// Notifier delivers failure notifications to named targets.
type Notifier interface {
	Notify(ctx context.Context, targets []string, n Notification) error
}

// LogNotifier writes notifications to the process log. Used when no
// webhooks are configured and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, targets []string, n Notification) error {
	log.Printf("notify %v: phase %s (%s) %s: %s", targets, n.PhaseName, n.PhaseID, n.Action, n.Reason)
	return nil
}

// WebhookNotifier posts notifications to webhooks from the config,
// addressed by name.
type WebhookNotifier struct {
	hooks  map[string]config.WebhookConfig
	client *http.Client
}

func NewWebhookNotifier(cfg *config.Config) *WebhookNotifier {
	hooks := map[string]config.WebhookConfig{}
	if cfg != nil {
		for _, h := range cfg.Webhooks {
			if h.Enabled != nil && !*h.Enabled {
				continue
			}
			if strings.TrimSpace(h.URL) == "" {
				continue
			}
			hooks[h.Name] = h
		}
	}
	return &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultNotifyTimeout},
	}
}

// Notify posts to every named target. An empty target list means all
// configured webhooks. Missing targets are skipped rather than failed:
// notification must not take down the compensation that triggered it.
func (w *WebhookNotifier) Notify(ctx context.Context, targets []string, n Notification) error {
	if len(targets) == 0 {
		for name := range w.hooks {
			targets = append(targets, name)
		}
	}
	var firstErr error
	for _, name := range targets {
		hook, ok := w.hooks[name]
		if !ok {
			continue
		}
		if err := w.post(ctx, hook, n); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *WebhookNotifier) post(ctx context.Context, hook config.WebhookConfig, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Event", "phase."+n.Action)
	req.Header.Set("X-Phaseline-Cycle", n.CycleID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
