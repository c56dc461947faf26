package intel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/argus/internal/fault"
)

type stubSource struct {
	name string
	mu   sync.Mutex
	seen []string
	err  error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Lookup(_ context.Context, ind Indicator) (*Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ind.Value)
	if s.err != nil {
		return nil, s.err
	}
	return &Finding{Source: s.name, Indicator: ind.Value, Type: ind.Type, Verdict: VerdictSuspicious}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register(&stubSource{name: "b"})
	r.Register(&stubSource{name: "a"})

	if _, ok := r.Get("a"); !ok {
		t.Fatal("expected source a")
	}
	if _, ok := r.Get("zzz"); ok {
		t.Fatal("expected ok=false for missing source")
	}
	if got := strings.Join(r.Names(), ","); got != "a,b" {
		t.Errorf("Names() = %q", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d", r.Len())
	}
}

func TestRegistry_Lookup(t *testing.T) {
	t.Parallel()

	inds := []Indicator{{Type: "ipv4", Value: "203.0.113.7"}, {Type: "domain", Value: "evil.example"}}

	t.Run("no sources", func(t *testing.T) {
		t.Parallel()
		_, err := NewRegistry(nil).Lookup(context.Background(), inds)
		if !errors.Is(err, fault.ErrExternalService) {
			t.Errorf("err = %v, want ErrExternalService", err)
		}
	})

	t.Run("partial failure is skipped", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(nil)
		r.Register(&stubSource{name: "ok"})
		r.Register(&stubSource{name: "down", err: errors.New("503")})

		got, err := r.Lookup(context.Background(), inds)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if len(got) != 2 || got[0].Source != "ok" {
			t.Errorf("findings = %+v", got)
		}
	})

	t.Run("all failed", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry(nil)
		r.Register(&stubSource{name: "down", err: errors.New("connection refused")})

		_, err := r.Lookup(context.Background(), inds)
		if !errors.Is(err, fault.ErrExternalService) {
			t.Errorf("err = %v, want ErrExternalService", err)
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("err %q should carry the cause", err)
		}
	})

	t.Run("indicator cap", func(t *testing.T) {
		t.Parallel()
		src := &stubSource{name: "ok"}
		r := NewRegistry(nil)
		r.Register(src)

		many := make([]Indicator, MaxIndicators+10)
		for i := range many {
			many[i] = Indicator{Type: "ipv4", Value: fmt.Sprintf("198.51.100.%d", i)}
		}
		if _, err := r.Lookup(context.Background(), many); err != nil {
			t.Fatal(err)
		}
		if len(src.seen) != MaxIndicators {
			t.Errorf("looked up %d indicators, want %d", len(src.seen), MaxIndicators)
		}
	})
}

func TestStaticSource(t *testing.T) {
	t.Parallel()

	s := NewStaticSource("blocklist", Finding{Indicator: "Evil.Example", Verdict: VerdictMalicious, Score: 90})
	f, err := s.Lookup(context.Background(), Indicator{Type: "domain", Value: "evil.example"})
	if err != nil || f == nil {
		t.Fatalf("Lookup = %v, %v", f, err)
	}
	if f.Source != "blocklist" || f.Verdict != VerdictMalicious || f.Type != "domain" {
		t.Errorf("finding = %+v", f)
	}
	if f, _ := s.Lookup(context.Background(), Indicator{Type: "domain", Value: "good.example"}); f != nil {
		t.Errorf("unknown indicator returned %+v", f)
	}
}

func TestHTTPSource_Lookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.EscapedPath() {
		case "/api/v1/indicators/ipv4/203.0.113.7":
			_, _ = fmt.Fprint(w, `{"verdict":"malicious","score":87,"tags":["c2"],"reference":"https://intel/ioc/1"}`)
		case "/api/v1/indicators/url/http:%2F%2Fevil.example%2Fpayload":
			_, _ = fmt.Fprint(w, `{"score":10}`)
		case "/api/v1/indicators/ipv4/500.0.0.1":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprint(w, `boom`)
		case "/api/v1/indicators/ipv4/198.51.100.9":
			_, _ = fmt.Fprint(w, `not json`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewHTTPSource("corp-intel", srv.URL, "secret")
	ctx := context.Background()

	f, err := s.Lookup(ctx, Indicator{Type: "ipv4", Value: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if f.Verdict != VerdictMalicious || f.Score != 87 || f.Source != "corp-intel" || len(f.Tags) != 1 {
		t.Errorf("finding = %+v", f)
	}

	f, err = s.Lookup(ctx, Indicator{Type: "url", Value: "http://evil.example/payload"})
	if err != nil || f == nil || f.Verdict != VerdictUnknown {
		t.Errorf("url lookup = %+v, %v", f, err)
	}

	f, err = s.Lookup(ctx, Indicator{Type: "ipv4", Value: "192.0.2.1"})
	if err != nil || f != nil {
		t.Errorf("404 should be no finding, got %+v, %v", f, err)
	}

	if _, err := s.Lookup(ctx, Indicator{Type: "ipv4", Value: "500.0.0.1"}); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status error, got %v", err)
	}
	if _, err := s.Lookup(ctx, Indicator{Type: "ipv4", Value: "198.51.100.9"}); err == nil {
		t.Error("expected decode error")
	}
	if _, err := s.Lookup(ctx, Indicator{}); err == nil {
		t.Error("expected error for empty indicator")
	}
}

func FuzzHTTPSourceLookup(f *testing.F) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"verdict":"clean"}`)
	}))
	defer srv.Close()

	s := NewHTTPSource("fuzz", srv.URL, "")

	f.Add("ipv4", "203.0.113.7")
	f.Add("url", "hxxp://evil[.]example/a?b=c#d")
	f.Add("", "")
	f.Add("../..", "%2e%2e")
	f.Add("domain", string([]byte{0x00, 0xff, 0xfe}))

	f.Fuzz(func(_ *testing.T, typ, value string) {
		// Must not panic
		_, _ = s.Lookup(context.Background(), Indicator{Type: typ, Value: value})
	})
}
