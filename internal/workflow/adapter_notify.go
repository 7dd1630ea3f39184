package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/notifyx/platform/internal/notification"
)

// Notifier accepts notification events for delivery. Satisfied by the
// orchestrator.
type Notifier interface {
	Send(ctx context.Context, event notification.Event) (*notification.SendResult, error)
}

// NotifyAdapter bridges workflow runs into the notification pipeline. The
// node config carries the event shape under "event"; string fields go
// through token substitution before submission.
type NotifyAdapter struct {
	notifier Notifier
}

// NewNotifyAdapter creates the adapter.
func NewNotifyAdapter(notifier Notifier) *NotifyAdapter {
	return &NotifyAdapter{notifier: notifier}
}

func (a *NotifyAdapter) Type() string { return "notifyx.send" }

func (a *NotifyAdapter) Execute(ctx context.Context, ex *Execution) (map[string]interface{}, error) {
	raw, ok := ex.Config["event"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("notifyx.send: missing event config")
	}
	rendered := substituteTree(raw, ex)

	data, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("notifyx.send: encode event: %w", err)
	}
	var event notification.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("notifyx.send: decode event: %w", err)
	}
	event.TenantID = ex.TenantID
	event.Source = "workflow:" + ex.RunID

	result, err := a.notifier.Send(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("notifyx.send: %w", err)
	}

	targets := make([]interface{}, len(result.Targets))
	for i, t := range result.Targets {
		targets[i] = map[string]interface{}{
			"recipientId": t.RecipientID,
			"channel":     string(t.Channel),
			"status":      string(t.Status),
			"messageId":   t.MessageID,
		}
	}
	return map[string]interface{}{
		"notificationId": result.NotificationID,
		"status":         string(result.Status),
		"targets":        targets,
	}, nil
}

// substituteTree renders tokens in every string leaf of a config subtree.
func substituteTree(value interface{}, ex *Execution) interface{} {
	switch v := value.(type) {
	case string:
		return ex.substitute(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = substituteTree(item, ex)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = substituteTree(item, ex)
		}
		return out
	default:
		return v
	}
}
