package synctool

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/teranos/calsync/errors"
)

// FieldKind is the value type of an option field.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindInt        FieldKind = "int"
	KindStringList FieldKind = "string_list"
)

// Field describes one configurable value of an option.
type Field struct {
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Default  any       `json:"default,omitempty"`
	Required bool      `json:"required,omitempty"`
	Min      *int      `json:"min,omitempty"`
	Max      *int      `json:"max,omitempty"`
}

// Values holds normalized field values: string, int or []string per Field.Kind.
type Values map[string]any

// String returns a string field or "".
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Int returns an int field or 0.
func (v Values) Int(name string) int {
	n, _ := v[name].(int)
	return n
}

// Strings returns a string list field or nil.
func (v Values) Strings(name string) []string {
	l, _ := v[name].([]string)
	return l
}

// Option is one variant of the closed set of transforms and filters a job
// can enable. Validate and Serialize receive values already normalized
// against Fields.
type Option struct {
	ID          string
	Description string
	Fields      []Field
	Validate    func(Values) error
	Serialize   func(Values) map[string]any
}

// Registry is the ordered set of known options, keyed by id.
type Registry struct {
	order []string
	byID  map[string]*Option
}

// NewRegistry builds a registry; registration order is document order.
func NewRegistry(options ...*Option) *Registry {
	r := &Registry{byID: make(map[string]*Option, len(options))}
	for _, o := range options {
		if _, dup := r.byID[o.ID]; dup {
			panic("synctool: duplicate option " + o.ID)
		}
		r.order = append(r.order, o.ID)
		r.byID[o.ID] = o
	}
	return r
}

// Get returns an option by id.
func (r *Registry) Get(id string) (*Option, bool) {
	o, ok := r.byID[id]
	return o, ok
}

// Options returns every option in registry order.
func (r *Registry) Options() []*Option {
	out := make([]*Option, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// OptionSetting is the per-option entry stored in a job's config blob.
type OptionSetting struct {
	Enabled bool           `json:"enabled"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// JobConfig is the decoded config blob of a job.
type JobConfig struct {
	Options map[string]OptionSetting `json:"options"`
}

// ParseJobConfig decodes a config blob. An empty blob is an empty config.
func ParseJobConfig(raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Mark(errors.Wrap(err, "job config is not valid JSON"), errors.ErrInvalidRequest)
	}
	return cfg, nil
}

// Resolve applies defaults, normalizes types and validates fields for one option.
func (o *Option) Resolve(raw map[string]any) (Values, error) {
	known := make(map[string]bool, len(o.Fields))
	values := make(Values, len(o.Fields))

	for _, f := range o.Fields {
		known[f.Name] = true

		rv, present := raw[f.Name]
		if !present || rv == nil {
			if f.Required {
				return nil, errors.Newf("option %s: field %s is required", o.ID, f.Name)
			}
			if f.Default != nil {
				values[f.Name] = f.Default
			}
			continue
		}

		v, err := normalize(f, rv)
		if err != nil {
			return nil, errors.Wrapf(err, "option %s: field %s", o.ID, f.Name)
		}
		values[f.Name] = v
	}

	var unknown []string
	for name := range raw {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.Newf("option %s: unknown fields %s", o.ID, strings.Join(unknown, ", "))
	}

	if o.Validate != nil {
		if err := o.Validate(values); err != nil {
			return nil, errors.Wrapf(err, "option %s", o.ID)
		}
	}
	return values, nil
}

func normalize(f Field, v any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Newf("expected string, got %T", v)
		}
		if f.Required && strings.TrimSpace(s) == "" {
			return nil, errors.New("must not be empty")
		}
		return s, nil

	case KindInt:
		var n int
		switch x := v.(type) {
		case int:
			n = x
		case float64:
			if x != math.Trunc(x) {
				return nil, errors.Newf("expected integer, got %v", x)
			}
			n = int(x)
		case json.Number:
			i, err := x.Int64()
			if err != nil {
				return nil, errors.Newf("expected integer, got %s", x)
			}
			n = int(i)
		default:
			return nil, errors.Newf("expected integer, got %T", v)
		}
		if f.Min != nil && n < *f.Min {
			return nil, errors.Newf("must be >= %d, got %d", *f.Min, n)
		}
		if f.Max != nil && n > *f.Max {
			return nil, errors.Newf("must be <= %d, got %d", *f.Max, n)
		}
		return n, nil

	case KindStringList:
		var out []string
		switch x := v.(type) {
		case []string:
			out = append(out, x...)
		case []any:
			for i, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, errors.Newf("item %d: expected string, got %T", i, item)
				}
				out = append(out, s)
			}
		default:
			return nil, errors.Newf("expected list of strings, got %T", v)
		}
		if f.Required && len(out) == 0 {
			return nil, errors.New("must not be empty")
		}
		return out, nil
	}
	return nil, errors.Newf("unsupported field kind %q", f.Kind)
}

// ValidateConfig checks a job config blob: every option id must be known and
// every enabled option's fields must resolve.
func (r *Registry) ValidateConfig(raw json.RawMessage) error {
	cfg, err := ParseJobConfig(raw)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(cfg.Options))
	for id := range cfg.Options {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		opt, ok := r.byID[id]
		if !ok {
			return errors.NewInvalidRequestError("unknown option %q", id)
		}
		setting := cfg.Options[id]
		if !setting.Enabled {
			continue
		}
		if _, err := opt.Resolve(setting.Fields); err != nil {
			return errors.Mark(err, errors.ErrInvalidRequest)
		}
	}
	return nil
}

// Transforms serializes the enabled options of cfg in registry order.
// Unknown and disabled options are omitted.
func (r *Registry) Transforms(cfg JobConfig) ([]map[string]any, error) {
	var out []map[string]any
	for _, id := range r.order {
		setting, ok := cfg.Options[id]
		if !ok || !setting.Enabled {
			continue
		}
		opt := r.byID[id]
		values, err := opt.Resolve(setting.Fields)
		if err != nil {
			return nil, err
		}

		entry := map[string]any{}
		if opt.Serialize != nil {
			for k, v := range opt.Serialize(values) {
				entry[k] = v
			}
		}
		entry["type"] = id
		out = append(out, entry)
	}
	return out, nil
}

func intPtr(n int) *int { return &n }

// DefaultRegistry returns the built-in option set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&Option{
			ID:          "title_prefix",
			Description: "Prefix every mirrored event title",
			Fields:      []Field{{Name: "prefix", Kind: KindString, Required: true}},
			Serialize: func(v Values) map[string]any {
				return map[string]any{"prefix": v.String("prefix")}
			},
		},
		&Option{
			ID:          "strip_descriptions",
			Description: "Drop event descriptions",
		},
		&Option{
			ID:          "busy_only",
			Description: "Mirror events as opaque busy blocks",
			Fields:      []Field{{Name: "label", Kind: KindString, Default: "Busy"}},
			Serialize: func(v Values) map[string]any {
				return map[string]any{"label": v.String("label")}
			},
		},
		&Option{
			ID:          "date_window",
			Description: "Limit syncing to a window around today",
			Fields: []Field{
				{Name: "past_days", Kind: KindInt, Default: 7, Min: intPtr(0), Max: intPtr(3650)},
				{Name: "future_days", Kind: KindInt, Default: 90, Min: intPtr(0), Max: intPtr(3650)},
			},
			Validate: func(v Values) error {
				if v.Int("past_days")+v.Int("future_days") == 0 {
					return errors.New("window must span at least one day")
				}
				return nil
			},
			Serialize: func(v Values) map[string]any {
				return map[string]any{
					"past_days":   v.Int("past_days"),
					"future_days": v.Int("future_days"),
				}
			},
		},
		&Option{
			ID:          "exclude_keywords",
			Description: "Skip events whose title contains any keyword",
			Fields:      []Field{{Name: "keywords", Kind: KindStringList, Required: true}},
			Validate: func(v Values) error {
				for _, k := range v.Strings("keywords") {
					if strings.TrimSpace(k) == "" {
						return errors.New("keywords must not contain blank entries")
					}
				}
				return nil
			},
			Serialize: func(v Values) map[string]any {
				return map[string]any{"keywords": v.Strings("keywords")}
			},
		},
	)
}
