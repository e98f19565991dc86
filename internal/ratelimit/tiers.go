package ratelimit

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Tier is a subscription level.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
)

// WildcardAction matches any action for a tier that has no exact row.
const WildcardAction = "*"

// Known actions.
const (
	ActionHooksRead       = "hooks.read"
	ActionScriptsGenerate = "scripts.generate"
	ActionAdmin           = "admin"
)

// TierLimit is one row of the limit table.
type TierLimit struct {
	Tier              Tier   `yaml:"tier" mapstructure:"tier" json:"tier" validate:"required"`
	Action            string `yaml:"action" mapstructure:"action" json:"action" validate:"required"`
	RequestsPerWindow int    `yaml:"requests_per_window" mapstructure:"requests_per_window" json:"requests_per_window" validate:"gt=0"`
	WindowSeconds     int    `yaml:"window_seconds" mapstructure:"window_seconds" json:"window_seconds" validate:"gt=0"`
	AnonymousAllowed  bool   `yaml:"anonymous_allowed" mapstructure:"anonymous_allowed" json:"anonymous_allowed"`
}

func (l TierLimit) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type tierAction struct {
	tier   Tier
	action string
}

// TierTable is an immutable lookup over TierLimit rows.
type TierTable struct {
	limits map[tierAction]TierLimit
}

var validate = validator.New()

// NewTierTable validates rows and rejects duplicate (tier, action) pairs.
func NewTierTable(limits []TierLimit) (*TierTable, error) {
	t := &TierTable{limits: make(map[tierAction]TierLimit, len(limits))}
	for i, l := range limits {
		if err := validate.Struct(l); err != nil {
			return nil, fmt.Errorf("tier limit %d (%s/%s): %w", i, l.Tier, l.Action, err)
		}
		k := tierAction{l.Tier, l.Action}
		if _, dup := t.limits[k]; dup {
			return nil, fmt.Errorf("duplicate tier limit for %s/%s", l.Tier, l.Action)
		}
		t.limits[k] = l
	}
	return t, nil
}

// MustTierTable panics on invalid rows. Intended for static tables.
func MustTierTable(limits []TierLimit) *TierTable {
	t, err := NewTierTable(limits)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the exact row, falling back to the tier's wildcard row.
func (t *TierTable) Lookup(tier Tier, action string) (TierLimit, bool) {
	if l, ok := t.limits[tierAction{tier, action}]; ok {
		return l, true
	}
	l, ok := t.limits[tierAction{tier, WildcardAction}]
	return l, ok
}

// Limits returns all rows ordered by tier then action.
func (t *TierTable) Limits() []TierLimit {
	out := make([]TierLimit, 0, len(t.limits))
	for _, l := range t.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// DefaultTierLimits is the table used when configuration supplies none.
func DefaultTierLimits() []TierLimit {
	return []TierLimit{
		{Tier: TierAnonymous, Action: ActionHooksRead, RequestsPerWindow: 30, WindowSeconds: 60, AnonymousAllowed: true},
		{Tier: TierAnonymous, Action: ActionScriptsGenerate, RequestsPerWindow: 3, WindowSeconds: 3600, AnonymousAllowed: true},
		{Tier: TierAnonymous, Action: ActionAdmin, RequestsPerWindow: 30, WindowSeconds: 60, AnonymousAllowed: true},
		{Tier: TierFree, Action: ActionHooksRead, RequestsPerWindow: 120, WindowSeconds: 60},
		{Tier: TierFree, Action: ActionScriptsGenerate, RequestsPerWindow: 10, WindowSeconds: 3600},
		{Tier: TierPro, Action: ActionHooksRead, RequestsPerWindow: 600, WindowSeconds: 60},
		{Tier: TierPro, Action: ActionScriptsGenerate, RequestsPerWindow: 200, WindowSeconds: 3600},
		{Tier: TierPro, Action: WildcardAction, RequestsPerWindow: 300, WindowSeconds: 60},
	}
}

type tierFile struct {
	Tiers []TierLimit `yaml:"tiers"`
}

// LoadTierLimits decodes a YAML document of the form
//
//	tiers:
//	  - tier: free
//	    action: scripts.generate
//	    requests_per_window: 10
//	    window_seconds: 3600
func LoadTierLimits(r io.Reader) ([]TierLimit, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f tierFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode tier limits: %w", err)
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("decode tier limits: no tiers defined")
	}
	return f.Tiers, nil
}
