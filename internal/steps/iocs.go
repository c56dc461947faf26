package steps

import (
	"context"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/linnemanlabs/argus/internal/analysis"
)

var (
	reURL    = regexp.MustCompile(`\bhttps?://[^\s"'<>\[\]{}|\\^` + "`" + `]+`)
	reEmail  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reDomain = regexp.MustCompile(`\b(?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,24}\b`)
	reMD5    = regexp.MustCompile(`\b[A-Fa-f0-9]{32}\b`)
	reSHA1   = regexp.MustCompile(`\b[A-Fa-f0-9]{40}\b`)
	reSHA256 = regexp.MustCompile(`\b[A-Fa-f0-9]{64}\b`)
)

// refang undoes common defanging so indicators match.
var refang = strings.NewReplacer(
	"hxxps://", "https://",
	"hxxp://", "http://",
	"hXXps://", "https://",
	"hXXp://", "http://",
	"[.]", ".",
	"(.)", ".",
	"{.}", ".",
	"[dot]", ".",
	"[:]", ":",
	"[://]", "://",
	"[@]", "@",
	"[at]", "@",
)

// fileExtensions look like TLDs but name files in alert text.
var fileExtensions = map[string]bool{
	"exe": true, "dll": true, "ps1": true, "bat": true, "cmd": true, "vbs": true,
	"js": true, "sh": true, "py": true, "txt": true, "log": true, "zip": true,
	"doc": true, "docx": true, "xls": true, "xlsx": true, "pdf": true, "tmp": true,
	"sys": true, "msi": true, "jar": true, "lnk": true, "hta": true, "json": true,
}

// IOCExtractor pulls indicators out of the alert text. It never calls a
// backend and cannot fail.
type IOCExtractor struct{}

// NewIOCExtractor returns the indicator extraction executor.
func NewIOCExtractor() *IOCExtractor { return &IOCExtractor{} }

func (IOCExtractor) Execute(_ context.Context, in analysis.Input) (analysis.Artifact, error) {
	text := strings.Join([]string{
		in.Alert.Title,
		in.Alert.Description,
		string(in.Alert.RawData),
		in.Alert.PriorAnalysis,
	}, "\n")
	return &analysis.IOCArtifact{IOCSet: Extract(text)}, nil
}

// Extract returns the indicators in text, sorted and deduplicated per type.
func Extract(text string) analysis.IOCSet {
	text = refang.Replace(text)

	var s analysis.IOCSet
	s.URLs = uniq(reURL.FindAllString(text, -1), func(u string) string {
		return strings.TrimRight(u, ".,;:!?)")
	})
	s.Emails = uniq(reEmail.FindAllString(text, -1), strings.ToLower)
	s.IPv4 = uniq(reIPv4.FindAllString(text, -1), func(ip string) string {
		if a, err := netip.ParseAddr(ip); err == nil && a.Is4() {
			return a.String()
		}
		return ""
	})
	s.SHA256 = uniq(reSHA256.FindAllString(text, -1), strings.ToLower)
	s.SHA1 = uniq(reSHA1.FindAllString(text, -1), strings.ToLower)
	s.MD5 = uniq(reMD5.FindAllString(text, -1), strings.ToLower)
	s.Domains = uniq(reDomain.FindAllString(text, -1), func(d string) string {
		d = strings.ToLower(d)
		tld := d[strings.LastIndexByte(d, '.')+1:]
		if fileExtensions[tld] {
			return ""
		}
		return d
	})
	return s
}

// uniq normalizes vals, drops empties, and returns them sorted and
// deduplicated. nil when nothing survives.
func uniq(vals []string, norm func(string) string) []string {
	var out []string
	for _, v := range vals {
		if v = norm(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
