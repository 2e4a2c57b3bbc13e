// Package registry holds the static catalog of monitored targets and the
// runtime allow-list used in restricted mode.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"slotwatch/internal/models"

	"gopkg.in/yaml.v2"
)

var ErrUnknownTarget = errors.New("unknown target")

type targetEntry struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Kind          string                 `yaml:"kind"`
	Tier          int                    `yaml:"tier"`
	CheckInterval string                 `yaml:"check_interval"`
	System        systemEntry            `yaml:"system"`
	Recipe        map[string]interface{} `yaml:"recipe"`
}

type systemEntry struct {
	Prefecture string `yaml:"prefecture"`
	Office     string `yaml:"office"`
	Provider   string `yaml:"provider"`
	Country    string `yaml:"country"`
	City       string `yaml:"city"`
	Service    string `yaml:"service"`
}

type catalogFile struct {
	Targets []targetEntry `yaml:"targets"`
}

// Registry is safe for concurrent use. The catalog itself is immutable after
// construction; only the allow-list changes.
type Registry struct {
	targets map[string]models.Target
	order   []string

	mu    sync.RWMutex
	allow map[string]struct{}
}

// Load reads and validates a targets catalog file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets catalog: %w", err)
	}
	targets, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(targets)
}

// Parse decodes a catalog document without registering it.
func Parse(data []byte) ([]models.Target, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse targets catalog: %w", err)
	}

	targets := make([]models.Target, 0, len(file.Targets))
	for i, e := range file.Targets {
		t, err := e.toTarget()
		if err != nil {
			return nil, fmt.Errorf("targets[%d] (%s): %w", i, e.ID, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (e targetEntry) toTarget() (models.Target, error) {
	kind, err := models.ParseTargetKind(e.Kind)
	if err != nil {
		return models.Target{}, err
	}

	var system models.TargetSystem
	switch kind {
	case models.KindGovernmentOffice:
		system = models.GovernmentOffice{Prefecture: e.System.Prefecture, Office: e.System.Office}
	case models.KindVisaCenter:
		system = models.VisaCenter{Provider: e.System.Provider, Country: e.System.Country, City: e.System.City}
	case models.KindConsulate:
		system = models.Consulate{Country: e.System.Country, Service: e.System.Service}
	}

	var interval time.Duration
	if e.CheckInterval != "" {
		if interval, err = time.ParseDuration(e.CheckInterval); err != nil {
			return models.Target{}, fmt.Errorf("check_interval: %w", err)
		}
	}

	return models.Target{
		ID:            e.ID,
		Name:          e.Name,
		System:        system,
		Tier:          e.Tier,
		CheckInterval: interval,
		Status:        models.TargetActive,
		Recipe:        models.Recipe(normalize(e.Recipe).(map[string]interface{})),
	}, nil
}

// New validates targets and builds a registry with an empty allow-list.
func New(targets []models.Target) (*Registry, error) {
	r := &Registry{targets: make(map[string]models.Target, len(targets))}
	for i := range targets {
		t := targets[i]
		if err := validate(&t); err != nil {
			return nil, fmt.Errorf("target %q: %w", t.ID, err)
		}
		if _, dup := r.targets[t.ID]; dup {
			return nil, fmt.Errorf("duplicate target id %q", t.ID)
		}
		if t.Status == "" {
			t.Status = models.TargetActive
		}
		r.targets[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

func validate(t *models.Target) error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.Tier < 1 || t.Tier > 3 {
		return fmt.Errorf("tier must be 1..3, got %d", t.Tier)
	}
	if t.CheckInterval < 0 {
		return errors.New("check_interval must not be negative")
	}
	if len(t.Recipe) == 0 {
		return errors.New("recipe is required")
	}
	if t.System == nil {
		return errors.New("system is required")
	}
	return models.MatchSystem(t.System,
		func(s models.GovernmentOffice) error {
			if s.Prefecture == "" {
				return errors.New("system.prefecture is required")
			}
			return nil
		},
		func(s models.VisaCenter) error {
			if s.Provider == "" || s.Country == "" {
				return errors.New("system.provider and system.country are required")
			}
			return nil
		},
		func(s models.Consulate) error {
			if s.Country == "" || s.Service == "" {
				return errors.New("system.country and system.service are required")
			}
			return nil
		},
	)
}

// Get returns a copy of the catalog entry.
func (r *Registry) Get(id string) (models.Target, error) {
	t, ok := r.targets[id]
	if !ok {
		return models.Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return t, nil
}

// List returns every target in catalog order.
func (r *Registry) List() []models.Target {
	out := make([]models.Target, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.targets[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// SetAllowList restricts scheduling to ids. An empty list allows every
// target.
func (r *Registry) SetAllowList(ids []string) error {
	allow := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := r.targets[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		allow[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(allow) == 0 {
		r.allow = nil
		return nil
	}
	r.allow = allow
	return nil
}

func (r *Registry) Allowed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allow == nil {
		return true
	}
	_, ok := r.allow[id]
	return ok
}

// AllowList returns the current allow-list sorted; nil means unrestricted.
func (r *Registry) AllowList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allow == nil {
		return nil
	}
	ids := make([]string, 0, len(r.allow))
	for id := range r.allow {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// normalize converts yaml.v2 map[interface{}]interface{} nodes into
// map[string]interface{} recursively.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return map[string]interface{}{}
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}, map[string]interface{}:
		return normalize(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
