package schedule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// fileDoc is the on-disk rule file shape
type fileDoc struct {
	Enabled *bool                    `mapstructure:"enabled"`
	Rules   []map[string]interface{} `mapstructure:"rules"`
}

type ruleDoc struct {
	Kind    string   `mapstructure:"kind"`
	ID      string   `mapstructure:"id"`
	Enabled *bool    `mapstructure:"enabled"`
	Modes   []string `mapstructure:"schedule_modes"`

	// interval
	Seconds          *int  `mapstructure:"seconds"`
	StartImmediately *bool `mapstructure:"start_immediately"`

	// window
	Cron                   interface{} `mapstructure:"cron"`
	Timezone               *string     `mapstructure:"timezone"`
	WindowMinutes          *int        `mapstructure:"window_minutes"`
	PollIntervalSeconds    *int        `mapstructure:"poll_interval_seconds"`
	BootstrapLookbackHours *int        `mapstructure:"bootstrap_lookback_hours"`
	BootstrapMaxIterations *int        `mapstructure:"bootstrap_max_iterations"`
}

type cronDoc struct {
	Expr      string `mapstructure:"expr"`
	Minute    string `mapstructure:"minute"`
	Hour      string `mapstructure:"hour"`
	Day       string `mapstructure:"day"`
	Month     string `mapstructure:"month"`
	DayOfWeek string `mapstructure:"day_of_week"`
	Timezone  string `mapstructure:"timezone"`
}

// LoadFile reads a rule file. An empty path returns (nil, nil): no file configured.
func LoadFile(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	path = expandHome(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Wrapf(err, "schedule config %s", path), errors.ErrNotFound)
		}
		return nil, errors.Wrapf(err, "failed to read schedule config %s", path)
	}

	set, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "schedule config %s", path)
	}
	return set, nil
}

// Parse decodes rule file contents. ext selects the format: .toml, .json, .yaml or .yml.
func Parse(data []byte, ext string) (*Set, error) {
	raw := map[string]interface{}{}

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid toml"), errors.ErrValidation)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid json"), errors.ErrValidation)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid yaml"), errors.ErrValidation)
		}
	default:
		return nil, errors.Validationf("unsupported schedule config format: %s", ext)
	}

	var doc fileDoc
	if err := decode(raw, &doc); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, rm := range doc.Rules {
		rule, err := decodeRule(rm)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d", i)
		}
		rules = append(rules, rule)
	}

	enabled := true
	if doc.Enabled != nil {
		enabled = *doc.Enabled
	}
	return NewSet(enabled, rules...)
}

func decodeRule(raw map[string]interface{}) (Rule, error) {
	var doc ruleDoc
	if err := decode(raw, &doc); err != nil {
		return nil, err
	}

	kind := Kind(strings.TrimSpace(doc.Kind))
	if kind == "" {
		kind = KindInterval
	}

	switch kind {
	case KindInterval:
		r := NewIntervalRule(doc.ID, doc.Modes...)
		setBool(&r.Enabled, doc.Enabled)
		setInt(&r.Seconds, doc.Seconds)
		setBool(&r.StartImmediately, doc.StartImmediately)
		return r, nil

	case KindWindow:
		spec, err := decodeCron(doc.Cron)
		if err != nil {
			return nil, errors.Wrapf(err, "window rule %s", doc.ID)
		}
		r := NewWindowRule(doc.ID, spec, doc.Modes...)
		setBool(&r.Enabled, doc.Enabled)
		if doc.Timezone != nil {
			r.Timezone = *doc.Timezone
		}
		setInt(&r.WindowMinutes, doc.WindowMinutes)
		setInt(&r.PollIntervalSeconds, doc.PollIntervalSeconds)
		setInt(&r.BootstrapLookbackHours, doc.BootstrapLookbackHours)
		setInt(&r.BootstrapMaxIterations, doc.BootstrapMaxIterations)
		return r, nil

	default:
		return nil, errors.Validationf("unknown rule kind %q", kind)
	}
}

// decodeCron accepts a full expression string or a table of fields
func decodeCron(raw interface{}) (CronSpec, error) {
	switch v := raw.(type) {
	case nil:
		return CronSpec{}, nil
	case string:
		return CronSpec{Expr: v}, nil
	case map[string]interface{}:
		var doc cronDoc
		if err := decode(v, &doc); err != nil {
			return CronSpec{}, errors.Wrap(err, "cron")
		}
		return CronSpec(doc), nil
	default:
		return CronSpec{}, errors.Validationf("cron must be a string or a table, got %T", raw)
	}
}

// decode maps raw into out; unknown keys and type mismatches are validation errors
func decode(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid schedule config"), errors.ErrValidation)
	}
	return nil
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// LoadOrDefault loads cfg.ConfigPath when set, otherwise builds the default set from cfg
func LoadOrDefault(cfg am.ScheduleConfig) (*Set, error) {
	set, err := LoadFile(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if set != nil {
		return set, nil
	}
	return DefaultSet(cfg)
}

// DefaultSet builds the immediate, scheduled and nightly rules from configuration
func DefaultSet(cfg am.ScheduleConfig) (*Set, error) {
	defaultInterval := atLeastOne(cfg.PullIntervalSeconds)
	intervalOr := func(n int) int {
		if n <= 0 {
			return defaultInterval
		}
		return atLeastOne(n)
	}

	var rules []Rule
	if cfg.ImmediateEnabled {
		r := NewIntervalRule("immediate", "immediate")
		r.Seconds = intervalOr(cfg.ImmediateIntervalSeconds)
		rules = append(rules, r)
	}
	if cfg.ScheduledEnabled {
		r := NewIntervalRule("scheduled", "scheduled")
		r.Seconds = intervalOr(cfg.ScheduledIntervalSeconds)
		rules = append(rules, r)
	}
	if cfg.NightlyEnabled {
		r := NewWindowRule("nightly", CronSpec{
			Hour:   strconv.Itoa(cfg.NightlyStartHour),
			Minute: strconv.Itoa(cfg.NightlyStartMinute),
		}, "nightly")
		if cfg.NightlyTimezone != "" {
			r.Timezone = cfg.NightlyTimezone
		}
		r.WindowMinutes = cfg.NightlyWindowMinutes
		r.PollIntervalSeconds = cfg.NightlyPollIntervalSeconds
		rules = append(rules, r)
	}

	return NewSet(cfg.Enabled, rules...)
}
