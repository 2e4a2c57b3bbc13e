package models

import (
	"fmt"
	"time"
)

// TargetKind names the closed set of site families the watcher supports.
type TargetKind string

const (
	KindGovernmentOffice TargetKind = "government_office"
	KindVisaCenter       TargetKind = "visa_center"
	KindConsulate        TargetKind = "consulate"
)

// ParseTargetKind validates a kind read from configuration.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(s) {
	case KindGovernmentOffice, KindVisaCenter, KindConsulate:
		return TargetKind(s), nil
	default:
		return "", fmt.Errorf("unknown target kind %q", s)
	}
}

// TargetSystem is the per-kind payload of a target. The interface is sealed:
// only the three variants below implement it, and MatchSystem forces callers
// to handle each of them.
type TargetSystem interface {
	Kind() TargetKind
	sealed()
}

// GovernmentOffice is a prefecture or municipal office booking site.
type GovernmentOffice struct {
	Prefecture string `json:"prefecture" yaml:"prefecture"`
	Office     string `json:"office,omitempty" yaml:"office"`
}

// VisaCenter is an outsourced visa application center.
type VisaCenter struct {
	Provider string `json:"provider" yaml:"provider"`
	Country  string `json:"country" yaml:"country"`
	City     string `json:"city,omitempty" yaml:"city"`
}

// Consulate is an embassy or consulate service calendar.
type Consulate struct {
	Country string `json:"country" yaml:"country"`
	Service string `json:"service" yaml:"service"`
}

func (GovernmentOffice) Kind() TargetKind { return KindGovernmentOffice }
func (VisaCenter) Kind() TargetKind       { return KindVisaCenter }
func (Consulate) Kind() TargetKind        { return KindConsulate }

func (GovernmentOffice) sealed() {}
func (VisaCenter) sealed()       {}
func (Consulate) sealed()        {}

// MatchSystem dispatches on the concrete system variant.
func MatchSystem[T any](
	s TargetSystem,
	office func(GovernmentOffice) T,
	visa func(VisaCenter) T,
	consulate func(Consulate) T,
) T {
	switch v := s.(type) {
	case GovernmentOffice:
		return office(v)
	case *GovernmentOffice:
		return office(*v)
	case VisaCenter:
		return visa(v)
	case *VisaCenter:
		return visa(*v)
	case Consulate:
		return consulate(v)
	case *Consulate:
		return consulate(*v)
	}
	panic(fmt.Sprintf("models: unsupported target system %T", s))
}

// TargetStatus is the health state of a monitored target.
type TargetStatus string

const (
	TargetActive         TargetStatus = "active"
	TargetPausedError    TargetStatus = "paused_error"
	TargetCaptchaBlocked TargetStatus = "captcha_blocked"
)

// Paused reports whether the scheduler must skip the target.
func (s TargetStatus) Paused() bool {
	return s == TargetPausedError || s == TargetCaptchaBlocked
}

// Target is a monitored booking site or site category.
type Target struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	System            TargetSystem  `json:"-"`
	Tier              int           `json:"tier"`
	CheckInterval     time.Duration `json:"check_interval"`
	Status            TargetStatus  `json:"status"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastCheckedAt     *time.Time    `json:"last_checked_at,omitempty"`
	LastSlotFoundAt   *time.Time    `json:"last_slot_found_at,omitempty"`
	PausedAt          *time.Time    `json:"paused_at,omitempty"`
	Recipe            Recipe        `json:"-"`
}

// Kind returns the kind of the target's system, or "" when unset.
func (t *Target) Kind() TargetKind {
	if t == nil || t.System == nil {
		return ""
	}
	return t.System.Kind()
}

// Recipe is the site-specific automation configuration. The core only reads
// a handful of generic keys; everything else belongs to the strategy.
type Recipe map[string]interface{}

const (
	RecipeMinRequestDelay = "min_request_delay"
	RecipeErrorThreshold  = "error_threshold"
	RecipeProcedure       = "procedure"
)

func (r Recipe) GetString(key string) string {
	if r == nil {
		return ""
	}
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

func (r Recipe) GetInt(key string) int {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// GetDuration accepts either a Go duration string ("1500ms") or a number of
// milliseconds.
func (r Recipe) GetDuration(key string) time.Duration {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}
