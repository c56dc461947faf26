// Package steps implements the analysis step executors and assembles the
// default pipeline.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/provider"
)

// Generator produces text from a prompt. *provider.Binding implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts provider.Options) (string, error)
}

// maxRawData bounds how much of an alert's raw payload goes into a prompt.
const maxRawData = 8 << 10

const systemPrompt = `You are Argus, a security operations analyst. You analyze SOC alerts and
answer strictly in the JSON shape requested. Do not add commentary outside
the JSON document. If a field is unknown, use an empty string or empty list.`

// generateJSON runs prompt and decodes the JSON object in the response into v.
func generateJSON(ctx context.Context, gen Generator, op, prompt string, v any) error {
	text, err := gen.Generate(ctx, prompt, provider.Options{System: systemPrompt, JSON: true})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), v); err != nil {
		return fault.InvalidResponse(op, text, err)
	}
	return nil
}

// cleanJSON strips markdown fences and any prose around the outermost
// JSON object.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// describeAlert renders the fields every prompt shares.
func describeAlert(al *alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert ID: %s\n", al.ID)
	fmt.Fprintf(&b, "Title: %s\n", al.Title)
	if al.Severity != "" {
		fmt.Fprintf(&b, "Reported severity: %s\n", al.Severity)
	}
	if al.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", al.Source)
	}
	if !al.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Created: %s\n", al.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(&b, "\nDescription:\n%s\n", al.Description)
	if len(al.RawData) > 0 {
		raw := string(al.RawData)
		if len(raw) > maxRawData {
			raw = truncate(raw, maxRawData) + "\n...(truncated)"
		}
		fmt.Fprintf(&b, "\nRaw event data:\n%s\n", raw)
	}
	if al.PriorAnalysis != "" {
		fmt.Fprintf(&b, "\nPrior analyst notes:\n%s\n", al.PriorAnalysis)
	}
	return b.String()
}

func inRange(f float64) bool { return f >= 0 && f <= 1 }
