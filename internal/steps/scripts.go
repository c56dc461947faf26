package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
)

// Languages accepted for generated scripts.
var Languages = []string{"bash", "powershell", "python"}

// MaxScriptBytes bounds one script's content.
const MaxScriptBytes = 16 << 10

// deny lists destructive constructs. A script containing any of them is
// dropped.
var deny = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive root delete", regexp.MustCompile(`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/\*|~|\$HOME)(\s|$|;)`)},
	{"filesystem format", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"raw disk write", regexp.MustCompile(`\bdd\s+if=`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{"pipe to shell", regexp.MustCompile(`(curl|wget)[^|\n]*\|\s*(sudo\s+)?(ba|z|k)?sh\b`)},
	{"Invoke-Expression", regexp.MustCompile(`(?i)\b(Invoke-Expression|iex)\b`)},
	{"Format-Volume", regexp.MustCompile(`(?i)\bFormat-Volume\b`)},
	{"Remove-Item root", regexp.MustCompile(`(?i)Remove-Item\s+.*(C:\\\s|C:\\\*|C:\\?\s*-Recurse)`)},
	{"chmod world root", regexp.MustCompile(`chmod\s+(-R\s+)?777\s+/(\s|$)`)},
	{"shutdown", regexp.MustCompile(`(?im)^\s*(sudo\s+)?(shutdown|reboot|halt|poweroff|Stop-Computer|Restart-Computer)\b`)},
	{"python shell eval", regexp.MustCompile(`\b(os\.system|eval|exec)\s*\(\s*(input|requests\.get)`)},
	{"shutil root delete", regexp.MustCompile(`shutil\.rmtree\(\s*['"](/|C:\\\\)['"]`)},
}

// ScriptWriter drafts remediation scripts. Every surviving script requires
// manual review; Argus never executes them.
type ScriptWriter struct {
	gen      Generator
	language string
	logger   log.Logger
}

// NewScriptWriter returns the script generation executor. language is the
// preferred language and defaults to bash.
func NewScriptWriter(gen Generator, language string, logger log.Logger) *ScriptWriter {
	if !slices.Contains(Languages, language) {
		language = "bash"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &ScriptWriter{gen: gen, language: language, logger: logger}
}

type scriptResponse struct {
	Language string            `json:"language"`
	Scripts  []analysis.Script `json:"scripts"`
}

func (w *ScriptWriter) Execute(ctx context.Context, in analysis.Input) (analysis.Artifact, error) {
	var ctxb strings.Builder
	if ta := in.Record.ThreatAssessment; ta != nil {
		fmt.Fprintf(&ctxb, "\nAnalysis summary: %s\nRoot cause: %s\n", ta.Summary, ta.RootCause)
		for _, r := range ta.Recommendations {
			fmt.Fprintf(&ctxb, "- recommended: %s\n", r)
		}
	}
	if iocs := in.Record.ExtractedIOCs.All(); len(iocs) > 0 {
		ctxb.WriteString("\nIndicators:\n")
		for _, i := range iocs {
			fmt.Fprintf(&ctxb, "- %s %s\n", i.Type, i.Value)
		}
	}

	prompt := fmt.Sprintf(`Write remediation scripts for the following security alert.

%s%s
Prefer %s. Scripts must be idempotent, scoped to the indicators above, and
non-destructive: containment (block, isolate, disable) and evidence
collection only. Never delete system paths, format disks, or download and
execute remote content.

Respond with a JSON object:
{"language": "<bash|powershell|python>",
 "scripts": [{"name": "<short-name>", "language": "<bash|powershell|python>", "purpose": "<what it does>", "content": "<script body>"}]}`,
		describeAlert(in.Alert), ctxb.String(), w.language)

	var out scriptResponse
	if err := generateJSON(ctx, w.gen, "scripts", prompt, &out); err != nil {
		return nil, err
	}

	kept, rejected := w.check(out.Scripts)
	for _, r := range rejected {
		w.logger.Warn(ctx, "generated script rejected", "alert_id", in.Alert.ID, "reason", r)
	}
	if len(kept) == 0 {
		return nil, fault.InvalidResponse("scripts", strings.Join(rejected, "; "), errors.New("no script passed the safety checklist"))
	}

	lang := strings.ToLower(strings.TrimSpace(out.Language))
	if !slices.Contains(Languages, lang) {
		lang = kept[0].Language
	}
	return &analysis.ScriptArtifact{Language: lang, Scripts: kept}, nil
}

// check applies the shape and safety checklist. It returns the scripts
// that pass and a reason for every one that does not.
func (w *ScriptWriter) check(in []analysis.Script) (kept []analysis.Script, rejected []string) {
	for i, s := range in {
		s.Name = strings.TrimSpace(s.Name)
		s.Language = strings.ToLower(strings.TrimSpace(s.Language))
		if s.Language == "" {
			s.Language = w.language
		}
		if err := Vet(s); err != nil {
			rejected = append(rejected, fmt.Sprintf("script %d (%s): %v", i, s.Name, err))
			continue
		}
		s.RequiresManualReview = true
		kept = append(kept, s)
	}
	return kept, rejected
}

// Vet checks one script against the shape and safety rules.
func Vet(s analysis.Script) error {
	switch {
	case s.Name == "":
		return errors.New("name is empty")
	case strings.TrimSpace(s.Content) == "":
		return errors.New("content is empty")
	case !slices.Contains(Languages, s.Language):
		return fmt.Errorf("language %q not one of %v", s.Language, Languages)
	case len(s.Content) > MaxScriptBytes:
		return fmt.Errorf("content is %d bytes, limit %d", len(s.Content), MaxScriptBytes)
	}
	for _, d := range deny {
		if d.re.MatchString(s.Content) {
			return fmt.Errorf("contains %s", d.name)
		}
	}
	return nil
}
