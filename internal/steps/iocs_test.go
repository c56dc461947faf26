package steps

import (
	"context"
	"reflect"
	"testing"

	"github.com/linnemanlabs/argus/internal/analysis"
)

const (
	md5Hash    = "d41d8cd98f00b204e9800998ecf8427e"
	sha1Hash   = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	sha256Hash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want analysis.IOCSet
	}{
		{
			name: "defanged url and email",
			text: "Beacon to hxxp://evil[.]example[.]com/payload.exe from 10.0.0.5, user bob@Corp.example.com",
			want: analysis.IOCSet{
				IPv4:    []string{"10.0.0.5"},
				Domains: []string{"corp.example.com", "evil.example.com"},
				URLs:    []string{"http://evil.example.com/payload.exe"},
				Emails:  []string{"bob@corp.example.com"},
			},
		},
		{
			name: "dedupes and sorts addresses",
			text: "10.0.0.9 then 10.0.0.5 then 10.0.0.9 and 192[.]168[.]1[.]10",
			want: analysis.IOCSet{IPv4: []string{"10.0.0.5", "10.0.0.9", "192.168.1.10"}},
		},
		{
			name: "rejects invalid octets",
			text: "version 999.1.1.1 is not an address",
			want: analysis.IOCSet{},
		},
		{
			name: "hashes by length",
			text: "md5 " + md5Hash + " sha1 " + sha1Hash + " sha256 " + sha256Hash,
			want: analysis.IOCSet{
				MD5:    []string{md5Hash},
				SHA1:   []string{sha1Hash},
				SHA256: []string{sha256Hash},
			},
		},
		{
			name: "uppercase hash is normalized",
			text: "hash D41D8CD98F00B204E9800998ECF8427E",
			want: analysis.IOCSet{MD5: []string{md5Hash}},
		},
		{
			name: "file names are not domains",
			text: "dropped invoice.pdf and svchost.exe",
			want: analysis.IOCSet{},
		},
		{
			name: "trailing punctuation trimmed from url",
			text: "see https://portal.example.org/login.",
			want: analysis.IOCSet{
				Domains: []string{"portal.example.org"},
				URLs:    []string{"https://portal.example.org/login"},
			},
		},
		{
			name: "nothing",
			text: "user logged in successfully",
			want: analysis.IOCSet{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Extract(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract(%q)\n got  %+v\n want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIOCExtractor_ReadsAllAlertText(t *testing.T) {
	t.Parallel()

	in := input(nil)
	in.Alert.PriorAnalysis = "also seen talking to 198.51.100.23"
	art, err := NewIOCExtractor().Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	set := art.(*analysis.IOCArtifact).IOCSet

	wantIPs := []string{"198.51.100.23", "203.0.113.7"}
	if !reflect.DeepEqual(set.IPv4, wantIPs) {
		t.Errorf("ipv4 = %v, want %v", set.IPv4, wantIPs)
	}
	if !reflect.DeepEqual(set.Emails, []string{"jdoe@corp.example.com"}) {
		t.Errorf("emails = %v, want the raw data address", set.Emails)
	}
	if !reflect.DeepEqual(set.URLs, []string{"http://evil.example.com/stage2.ps1"}) {
		t.Errorf("urls = %v", set.URLs)
	}
}
