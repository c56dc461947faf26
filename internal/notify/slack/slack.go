// Package slack posts finished analyses to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/argus/internal/analysis"
)

const (
	maxSummaryLen = 3000
	maxTechniques = 8
	httpTimeout   = 10 * time.Second
)

// Notifier sends terminal analysis records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ analysis.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     logger,
	}
}

// Notify posts the record to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, r *analysis.Record) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "alert_id", r.AlertID, "status", string(r.OrchestrationStatus))
	return nil
}

func buildMessage(r *analysis.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			summaryBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func classification(r *analysis.Record) *analysis.Classification {
	if r.ThreatAssessment == nil || r.ThreatAssessment.Classification == nil {
		return &analysis.Classification{}
	}
	return r.ThreatAssessment.Classification
}

func headerBlock(r *analysis.Record) map[string]any {
	c := classification(r)
	title := "Analysis Complete"
	if r.OrchestrationStatus == analysis.StatusFailed {
		title = "Analysis Failed"
	}
	text := fmt.Sprintf("%s %s: %s", severityEmoji(r.OrchestrationStatus, c.Severity), title, r.AlertID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *analysis.Record) map[string]any {
	c := classification(r)
	var confidence float64
	if r.ConfidenceScores != nil {
		confidence = r.ConfidenceScores.Overall
	}
	var techniques []string
	if r.ThreatAssessment != nil {
		for _, t := range r.ThreatAssessment.MitreTechniques {
			techniques = append(techniques, t.ID)
		}
	}
	if len(techniques) > maxTechniques {
		techniques = append(techniques[:maxTechniques], "...")
	}
	if len(techniques) == 0 {
		techniques = []string{"none"}
	}

	field := func(label, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Status", string(r.OrchestrationStatus)),
			field("Category", c.Category),
			field("Severity", c.Severity),
			field("Confidence", fmt.Sprintf("%.0f%%", confidence*100)),
			field("Duration", fmt.Sprintf("%.1fs", float64(r.ProcessingTimeMs)/1000)),
			field("IOCs", fmt.Sprintf("%d", r.ExtractedIOCs.Len())),
			field("ATT&CK", strings.Join(techniques, ", ")),
			field("Scripts", fmt.Sprintf("%d (review required)", len(r.GeneratedScripts))),
		},
	}
}

func summaryBlock(r *analysis.Record) map[string]any {
	var text string
	switch {
	case r.OrchestrationStatus == analysis.StatusFailed:
		text = fmt.Sprintf("*Error*\n\n%s", truncate(r.ErrorDetails, maxSummaryLen))
	case r.ThreatAssessment != nil && r.ThreatAssessment.Summary != "":
		text = fmt.Sprintf("*Summary*\n\n%s", truncate(r.ThreatAssessment.Summary, maxSummaryLen))
	default:
		text = "*Summary*\n\n_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(r *analysis.Record) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("argus • analysis %s • %s", r.AlertID, r.AnalysisTimestamp.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(status analysis.Status, severity string) string {
	if status == analysis.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch strings.ToLower(severity) {
	case "critical", "high":
		return "\U0001f534" // red circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
