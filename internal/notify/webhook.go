package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to one configured endpoint.
type Webhook struct {
	hook   config.Webhook
	filter kindFilter
	client *http.Client
}

func NewWebhook(hook config.Webhook) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		hook:   hook,
		filter: newKindFilter(hook.Kinds),
		client: &http.Client{Timeout: timeout},
	}
}

// Webhooks builds a sink per enabled webhook in cfg.
func Webhooks(hooks []config.Webhook) []Sink {
	var out []Sink
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		out = append(out, NewWebhook(h))
	}
	return out
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if !w.filter.match(n.Kind) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetline-Event", string(n.Kind))
	req.Header.Set("X-Fleetline-Delivery", uuid.NewString())
	if n.ProjectID != "" {
		req.Header.Set("X-Fleetline-Project", n.ProjectID)
	}
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Fleetline-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.hook.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[Kind]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[Kind(key)] = struct{}{}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(k Kind) bool {
	if f.all {
		return true
	}
	_, ok := f.set[k]
	return ok
}
