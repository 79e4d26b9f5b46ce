package notify

import (
	"context"
	"fmt"

	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts escalations to a Slack channel: terminal task
// failures, specs waiting on approval, coherence conflicts, and spec
// completion. Outbound only.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// Watch consumes the event stream and posts the escalation-worthy
// subset until the context is cancelled.
func (n *SlackNotifier) Watch(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ctx, ev)
		}
	}
}

// Notify posts one event if it warrants human attention.
func (n *SlackNotifier) Notify(ctx context.Context, ev domain.Event) {
	text := messageFor(ev)
	if text == "" {
		return
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("slack notification failed",
			zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func messageFor(ev domain.Event) string {
	switch ev.Type {
	case domain.EventTaskFailed:
		return fmt.Sprintf(":x: Task %s failed in spec %s: %s",
			ev.EntityID, ev.SpecID, ev.Payload["reason"])
	case domain.EventPhaseGateFailed:
		return fmt.Sprintf(":warning: Spec %s failed the gate into %s (score %s)",
			ev.SpecID, ev.Payload["target"], ev.Payload["score"])
	case domain.EventCoherenceConflict:
		return fmt.Sprintf(":twisted_rightwards_arrows: Coherence conflict (%s) in spec %s: %s",
			ev.EntityID, ev.SpecID, ev.Payload["detail"])
	case domain.EventMergeConflict:
		return fmt.Sprintf(":no_entry: Merge conflict on branch %s in spec %s (files: %s)",
			ev.Payload["branch"], ev.SpecID, ev.Payload["files"])
	case domain.EventSpecCompleted:
		return fmt.Sprintf(":white_check_mark: Spec %s completed", ev.SpecID)
	case domain.EventSpecFailed:
		return fmt.Sprintf(":rotating_light: Spec %s failed: %s", ev.SpecID, ev.Payload["reason"])
	default:
		return ""
	}
}
