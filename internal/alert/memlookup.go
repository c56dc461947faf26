package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/argus/internal/fault"
)

// MemLookup serves alerts from memory. Used for dev, demos and tests.
type MemLookup struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewMemLookup returns a MemLookup seeded with the given alerts.
func NewMemLookup(alerts ...*Alert) *MemLookup {
	m := &MemLookup{alerts: make(map[string]*Alert)}
	for _, a := range alerts {
		m.Put(a)
	}
	return m
}

// Put stores a copy of a.
func (m *MemLookup) Put(a *Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
}

// GetAlert returns a copy of the alert with the given id.
func (m *MemLookup) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "alert.get", "alert %q not found", id)
	}
	cp := *a
	return &cp, nil
}

// fixture is the on-disk YAML shape of an alert.
type fixture struct {
	ID            string         `yaml:"id"`
	Title         string         `yaml:"title"`
	Description   string         `yaml:"description"`
	Severity      string         `yaml:"severity"`
	Source        string         `yaml:"source"`
	RawData       map[string]any `yaml:"raw_data"`
	PriorAnalysis string         `yaml:"prior_analysis"`
	CreatedAt     time.Time      `yaml:"created_at"`
}

// LoadDir reads every *.yaml / *.yml file in dir as one alert fixture.
func LoadDir(dir string) (*MemLookup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}

	m := NewMemLookup()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		a, err := loadFixture(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		m.Put(a)
	}
	return m, nil
}

func loadFixture(path string) (*Alert, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}

	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("fixture %s: id is required", path)
	}

	a := &Alert{
		ID:            f.ID,
		Title:         f.Title,
		Description:   f.Description,
		Severity:      f.Severity,
		Source:        f.Source,
		PriorAnalysis: f.PriorAnalysis,
		CreatedAt:     f.CreatedAt,
	}
	if len(f.RawData) > 0 {
		raw, err := json.Marshal(f.RawData)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: marshal raw_data: %w", path, err)
		}
		a.RawData = raw
	}
	return a, nil
}
