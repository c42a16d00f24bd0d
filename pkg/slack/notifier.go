// Package slack posts critical drift alerts to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/engagekit/engage/pkg/models"
)

const postTimeout = 10 * time.Second

var severityEmoji = map[string]string{
	models.SeverityCritical: ":rotating_light:",
	models.SeverityWarning:  ":warning:",
}

// Notifier delivers drift alerts to a Slack channel.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a notifier. Returns nil if token or channel is
// empty, which disables notification cleanly at the call sites.
func NewNotifier(token, channel string) *Notifier {
	if token == "" || channel == "" {
		return nil
	}
	return &Notifier{
		api:     goslack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "slack-notifier"),
	}
}

// NewNotifierWithAPIURL targets a custom API URL. Useful for testing
// against a mock server.
func NewNotifierWithAPIURL(token, channel, apiURL string) *Notifier {
	n := NewNotifier(token, channel)
	if n != nil {
		n.api = goslack.New(token, goslack.OptionAPIURL(apiURL))
	}
	return n
}

// NotifyDriftAlert posts one alert. Fail-open: errors are logged, never
// returned, and must not affect the drift check that raised the alert.
func (n *Notifier) NotifyDriftAlert(ctx context.Context, alert *models.DriftAlert) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(buildAlertBlocks(alert)...))
	if err != nil {
		n.logger.Error("Failed to post drift alert", "alert_type", alert.AlertType, "error", err)
		return
	}
	n.logger.Info("Drift alert posted", "alert_type", alert.AlertType, "severity", alert.Severity)
}

// buildAlertBlocks renders the alert as Block Kit blocks.
func buildAlertBlocks(alert *models.DriftAlert) []goslack.Block {
	emoji := severityEmoji[alert.Severity]
	if emoji == "" {
		emoji = ":question:"
	}
	scope := "all sites"
	if alert.SiteURL != nil {
		scope = *alert.SiteURL
	}
	header := fmt.Sprintf("%s *Scoring drift: %s* (%s, %s window)", emoji, alert.AlertType, alert.Severity, alert.WindowType)
	detail := fmt.Sprintf("%s\n*Scope:* %s\n*Metric:* `%s` expected %.2f, actual %.2f",
		alert.Message, scope, alert.Metric, alert.Expected, alert.Actual)

	return []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false), nil, nil),
	}
}
