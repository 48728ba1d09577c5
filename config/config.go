// Package config loads data-driven engine configuration: rule definitions,
// SLA policies and business calendars from YAML files, and runtime settings
// for binaries from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/rules"
	"github.com/flowsmith/taskflow/sla"
)

// LoadRules reads a YAML rule file and parses it into typed rules. The file
// holds a top-level `rules` list of rule definitions in the shape of
// rules.Config.
func LoadRules(path string) ([]*rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	return ParseRules(data)
}

// ParseRules parses YAML rule definitions. Malformed rules are rejected
// here, at load time, never at evaluation time.
func ParseRules(data []byte) ([]*rules.Rule, error) {
	var file struct {
		Rules []rules.Config `yaml:"rules"`
	}

	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	parsed := make([]*rules.Rule, 0, len(file.Rules))
	for _, cfg := range file.Rules {
		rule, err := rules.FromConfig(cfg)
		if err != nil {
			return nil, err
		}

		parsed = append(parsed, rule)
	}

	return parsed, nil
}

// SLA bundles the three data-driven SLA settings a deployment supplies.
type SLA struct {
	Config   sla.Config
	Calendar sla.Calendar
	Policy   sla.EscalationPolicy
}

// slaFile is the YAML shape of an SLA policy file.
type slaFile struct {
	SLA struct {
		Hours             map[string]float64 `yaml:"hours"`
		BusinessHoursOnly bool               `yaml:"business_hours_only"`
	} `yaml:"sla"`

	Calendar struct {
		Weekdays  []string `yaml:"weekdays"`
		StartHour *int     `yaml:"start_hour"`
		EndHour   *int     `yaml:"end_hour"`
		Holidays  []string `yaml:"holidays"`
		Location  string   `yaml:"location"`
	} `yaml:"calendar"`

	Escalation struct {
		Delay         time.Duration `yaml:"delay"`
		TargetUserID  string        `yaml:"target_user_id"`
		TargetRole    string        `yaml:"target_role"`
		NotifyTargets bool          `yaml:"notify_targets"`
	} `yaml:"escalation"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadSLA reads a YAML SLA policy file. Omitted sections fall back to the
// package defaults (sla.DefaultConfig, sla.DefaultCalendar, zero policy).
func LoadSLA(path string) (*SLA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading SLA file: %w", err)
	}

	return ParseSLA(data)
}

// ParseSLA parses a YAML SLA policy document.
func ParseSLA(data []byte) (*SLA, error) {
	var file slaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing SLA file: %w", err)
	}

	result := &SLA{
		Config:   sla.DefaultConfig(),
		Calendar: sla.DefaultCalendar(),
	}

	if len(file.SLA.Hours) > 0 {
		hours := make(map[core.Priority]float64, len(file.SLA.Hours))
		for raw, budget := range file.SLA.Hours {
			priority, err := core.ParsePriority(raw)
			if err != nil {
				return nil, fmt.Errorf("sla.hours: %w", err)
			}

			if budget <= 0 {
				return nil, fmt.Errorf("sla.hours: non-positive budget for %s", priority)
			}

			hours[priority] = budget
		}

		result.Config.Hours = hours
	}
	result.Config.BusinessHoursOnly = file.SLA.BusinessHoursOnly

	if len(file.Calendar.Weekdays) > 0 {
		var weekdays []time.Weekday
		for _, raw := range file.Calendar.Weekdays {
			weekday, ok := weekdayNames[strings.ToLower(raw)]
			if !ok {
				return nil, fmt.Errorf("calendar.weekdays: unknown weekday %q", raw)
			}

			weekdays = append(weekdays, weekday)
		}

		result.Calendar.Weekdays = weekdays
	}

	if file.Calendar.StartHour != nil {
		result.Calendar.StartHour = *file.Calendar.StartHour
	}
	if file.Calendar.EndHour != nil {
		result.Calendar.EndHour = *file.Calendar.EndHour
	}
	if result.Calendar.StartHour < 0 || result.Calendar.EndHour > 24 ||
		result.Calendar.StartHour >= result.Calendar.EndHour {
		return nil, fmt.Errorf("calendar: invalid working window %d-%d",
			result.Calendar.StartHour, result.Calendar.EndHour)
	}

	for _, holiday := range file.Calendar.Holidays {
		if _, err := time.Parse("2006-01-02", holiday); err != nil {
			return nil, fmt.Errorf("calendar.holidays: %w", err)
		}
	}
	result.Calendar.Holidays = file.Calendar.Holidays

	if file.Calendar.Location != "" {
		location, err := time.LoadLocation(file.Calendar.Location)
		if err != nil {
			return nil, fmt.Errorf("calendar.location: %w", err)
		}

		result.Calendar.Location = location
	}

	result.Policy = sla.EscalationPolicy{
		Delay:         file.Escalation.Delay,
		TargetUserID:  file.Escalation.TargetUserID,
		TargetRole:    file.Escalation.TargetRole,
		NotifyTargets: file.Escalation.NotifyTargets,
	}

	return result, nil
}

// Runtime holds environment-derived settings for the sample and benchmark
// binaries, read from TASKFLOW_-prefixed variables.
type Runtime struct {
	// Store selects the task store: memory, sqlite or mysql.
	Store string `envconfig:"STORE" default:"memory"`

	// DSN is the database connection string for the sqlite and mysql
	// stores.
	DSN string `envconfig:"DSN"`

	// RedisAddr enables the Redis stream notifier when set.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// ScanInterval is the scheduler's scan interval.
	ScanInterval time.Duration `envconfig:"SCAN_INTERVAL" default:"5m"`

	// RuleFile and SLAFile point at optional YAML configuration.
	RuleFile string `envconfig:"RULE_FILE"`
	SLAFile  string `envconfig:"SLA_FILE"`

	// TraceEndpoint enables the OTLP trace exporter when set; otherwise
	// spans go to stdout when Trace is true.
	TraceEndpoint string `envconfig:"TRACE_ENDPOINT"`
	Trace         bool   `envconfig:"TRACE"`
}

// LoadRuntime reads runtime settings from the environment.
func LoadRuntime() (*Runtime, error) {
	var runtime Runtime
	if err := envconfig.Process("taskflow", &runtime); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	return &runtime, nil
}
