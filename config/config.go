// Package config loads the TOML configuration of a nomroute session.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/pkg/rules"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

// LoggingConfiguration controls the root logger.
type LoggingConfiguration struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// MetricsConfiguration controls the prometheus endpoint.
type MetricsConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

func (m MetricsConfiguration) Address() string {
	return fmt.Sprintf("%s:%d", m.BindAddress, m.Port)
}

type RetryConfiguration struct {
	MaxAttempts int     `toml:"max_attempts"`
	InitialMS   int     `toml:"initial_ms"`
	MaxMS       int     `toml:"max_ms"`
	Multiplier  float64 `toml:"multiplier"`
}

// DeliveryConfiguration tunes how a destination queues, batches, writes and drains records.
// Zero values inherit from [defaults], which in turn inherits the built-in defaults.
type DeliveryConfiguration struct {
	QueueSize        int                `toml:"queue_size"`
	BatchSize        int                `toml:"batch_size"`
	BatchWaitMS      int                `toml:"batch_wait_ms"`
	DrainFlushWaitMS int                `toml:"drain_flush_wait_ms"`
	DrainTimeoutMS   int                `toml:"drain_timeout_ms"`
	DrainProgressMS  int                `toml:"drain_progress_ms"`
	AbandonGraceMS   int                `toml:"abandon_grace_ms"`
	MaxInFlight      int                `toml:"max_in_flight"`
	Retry            RetryConfiguration `toml:"retry"`
}

type RoutingConfiguration struct {
	// OnNoMatch is "drop" or "default".
	OnNoMatch         string `toml:"on_no_match"`
	MonitorIntervalMS int    `toml:"monitor_interval_ms"`
}

type SourceConfiguration struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
	// Where discards records read from the source that don't match, before they're classified.
	Where   map[string]string `toml:"where"`
	Options map[string]any    `toml:"options"`
}

type RuleConfiguration struct {
	Name  string            `toml:"name"`
	Where map[string]string `toml:"where"`
	Tags  map[string]any    `toml:"tags"`
}

type DestinationConfiguration struct {
	Name     string                `toml:"name"`
	Type     string                `toml:"type"`
	Role     string                `toml:"role"`
	Rules    []string              `toml:"rules"`
	Where    map[string]string     `toml:"where"`
	Tags     map[string]any        `toml:"tags"`
	Delivery DeliveryConfiguration `toml:"delivery"`
	Options  map[string]any        `toml:"options"`
}

type Configuration struct {
	Logging      LoggingConfiguration       `toml:"logging"`
	Metrics      MetricsConfiguration       `toml:"metrics"`
	Defaults     DeliveryConfiguration      `toml:"defaults"`
	Routing      RoutingConfiguration       `toml:"routing"`
	Sources      []SourceConfiguration      `toml:"source"`
	Rules        []RuleConfiguration        `toml:"rule"`
	Destinations []DestinationConfiguration `toml:"destination"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Configuration {
	return &Configuration{
		Logging: LoggingConfiguration{
			Level: "info",
		},
		Metrics: MetricsConfiguration{
			BindAddress: "127.0.0.1",
			Port:        9464,
		},
		Defaults: DeliveryConfiguration{
			QueueSize:        dispatch.DefaultQueueSize,
			BatchSize:        dispatch.DefaultBatchSize,
			BatchWaitMS:      ms(dispatch.DefaultBatchWait),
			DrainFlushWaitMS: ms(dispatch.DefaultDrainFlushWait),
			DrainTimeoutMS:   ms(dispatch.DefaultDrainTimeout),
			DrainProgressMS:  ms(dispatch.DefaultDrainProgressInterval),
			AbandonGraceMS:   ms(dispatch.DefaultAbandonGrace),
			MaxInFlight:      dispatch.DefaultMaxInFlight,
			Retry: RetryConfiguration{
				MaxAttempts: dispatch.DefaultMaxAttempts,
				InitialMS:   ms(dispatch.DefaultRetryInitial),
				MaxMS:       ms(dispatch.DefaultRetryMax),
				Multiplier:  dispatch.DefaultRetryMultiplier,
			},
		},
		Routing: RoutingConfiguration{
			OnNoMatch:         route.NoMatchDrop.String(),
			MonitorIntervalMS: ms(dispatch.DefaultMonitorInterval),
		},
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Load decodes the TOML file at path over the defaults and validates the result.
func Load(path string) (*Configuration, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	return finish(conf, md)
}

// Parse is Load for configuration text.
func Parse(data string) (*Configuration, error) {
	conf := Default()
	md, err := toml.Decode(data, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return finish(conf, md)
}

func finish(conf *Configuration, md toml.MetaData) (*Configuration, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validatePluginType(kind, name, typ string) error {
	qualifier, class, ok := strings.Cut(typ, ".")
	if !ok || len(qualifier) == 0 || len(class) == 0 {
		return invalid("%s %s: type must be of the form 'qualifier.Class', got '%s'", kind, name, typ)
	}
	return nil
}

func (d DeliveryConfiguration) validate(scope string) error {
	for name, v := range map[string]int{
		"queue_size":          d.QueueSize,
		"batch_size":          d.BatchSize,
		"batch_wait_ms":       d.BatchWaitMS,
		"drain_flush_wait_ms": d.DrainFlushWaitMS,
		"drain_timeout_ms":    d.DrainTimeoutMS,
		"drain_progress_ms":   d.DrainProgressMS,
		"abandon_grace_ms":    d.AbandonGraceMS,
		"max_in_flight":       d.MaxInFlight,
		"retry.max_attempts":  d.Retry.MaxAttempts,
		"retry.initial_ms":    d.Retry.InitialMS,
		"retry.max_ms":        d.Retry.MaxMS,
	} {
		if v < 0 {
			return invalid("%s: %s must not be negative", scope, name)
		}
	}
	if d.Retry.Multiplier != 0 && d.Retry.Multiplier < 1 {
		return invalid("%s: retry.multiplier must be at least 1", scope)
	}
	return nil
}

// Validate checks the configuration for problems that can be found without loading plugins.
func (c *Configuration) Validate() error {
	if len(c.Logging.Level) > 0 && hclog.LevelFromString(c.Logging.Level) == hclog.NoLevel {
		return invalid("unknown log level '%s'", c.Logging.Level)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid("invalid metrics port: %d", c.Metrics.Port)
	}
	if err := c.Defaults.validate("defaults"); err != nil {
		return err
	}
	policy, err := route.ParseNoMatchPolicy(c.Routing.OnNoMatch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Routing.MonitorIntervalMS < 0 {
		return invalid("routing: monitor_interval_ms must not be negative")
	}

	if len(c.Sources) == 0 {
		return invalid("at least one source is required")
	}
	names := map[string]bool{}
	for i, src := range c.Sources {
		if len(src.Name) == 0 {
			return invalid("source %d: name is required", i)
		}
		if names[src.Name] {
			return invalid("duplicate source name '%s'", src.Name)
		}
		names[src.Name] = true
		if err := validatePluginType("source", src.Name, src.Type); err != nil {
			return err
		}
		if _, err := rules.Compile(src.Where); err != nil {
			return fmt.Errorf("%w: source %s: %v", ErrInvalid, src.Name, err)
		}
	}

	if _, err := c.RuleSet(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if len(c.Destinations) == 0 {
		return invalid("at least one destination is required")
	}
	names = map[string]bool{}
	hasDefault := false
	for i, dest := range c.Destinations {
		if len(dest.Name) == 0 {
			return invalid("destination %d: name is required", i)
		}
		if names[dest.Name] {
			return invalid("duplicate destination name '%s'", dest.Name)
		}
		names[dest.Name] = true
		if err := validatePluginType("destination", dest.Name, dest.Type); err != nil {
			return err
		}
		role, err := dispatch.ParseRole(dest.Role)
		if err != nil {
			return fmt.Errorf("%w: destination %s: %v", ErrInvalid, dest.Name, err)
		}
		if role == dispatch.Default {
			hasDefault = true
		}
		if err := dest.Delivery.validate("destination " + dest.Name); err != nil {
			return err
		}
		if _, err := rules.Selector(dest.Where); err != nil {
			return fmt.Errorf("%w: destination %s: %v", ErrInvalid, dest.Name, err)
		}
	}
	if policy == route.NoMatchDefault && !hasDefault {
		return invalid("on_no_match is 'default' but no destination has the default role")
	}
	return nil
}

// RuleSet compiles the configured rules in order.
func (c *Configuration) RuleSet() (*rules.Set, error) {
	rs := make([]rules.Rule, len(c.Rules))
	for i, r := range c.Rules {
		rs[i] = rules.Rule{
			Name:  r.Name,
			Where: r.Where,
			Tags:  r.Tags,
		}
	}
	return rules.NewSet(rs...)
}

func (c *Configuration) NoMatchPolicy() route.NoMatchPolicy {
	policy, _ := route.ParseNoMatchPolicy(c.Routing.OnNoMatch)
	return policy
}

func (c *Configuration) MonitorInterval() time.Duration {
	return millis(c.Routing.MonitorIntervalMS)
}

// Options merges the delivery overrides of dest over [defaults].
func (c *Configuration) Options(dest DestinationConfiguration) dispatch.Options {
	d := c.Defaults.merge(dest.Delivery)
	return dispatch.Options{
		QueueSize:             d.QueueSize,
		BatchSize:             d.BatchSize,
		BatchWait:             millis(d.BatchWaitMS),
		DrainFlushWait:        millis(d.DrainFlushWaitMS),
		DrainTimeout:          millis(d.DrainTimeoutMS),
		DrainProgressInterval: millis(d.DrainProgressMS),
		AbandonGrace:          millis(d.AbandonGraceMS),
		MaxInFlight:           d.MaxInFlight,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: d.Retry.MaxAttempts,
			Initial:     millis(d.Retry.InitialMS),
			Max:         millis(d.Retry.MaxMS),
			Multiplier:  d.Retry.Multiplier,
		},
	}
}

func (d DeliveryConfiguration) merge(o DeliveryConfiguration) DeliveryConfiguration {
	override := func(base *int, v int) {
		if v > 0 {
			*base = v
		}
	}
	override(&d.QueueSize, o.QueueSize)
	override(&d.BatchSize, o.BatchSize)
	override(&d.BatchWaitMS, o.BatchWaitMS)
	override(&d.DrainFlushWaitMS, o.DrainFlushWaitMS)
	override(&d.DrainTimeoutMS, o.DrainTimeoutMS)
	override(&d.DrainProgressMS, o.DrainProgressMS)
	override(&d.AbandonGraceMS, o.AbandonGraceMS)
	override(&d.MaxInFlight, o.MaxInFlight)
	override(&d.Retry.MaxAttempts, o.Retry.MaxAttempts)
	override(&d.Retry.InitialMS, o.Retry.InitialMS)
	override(&d.Retry.MaxMS, o.Retry.MaxMS)
	if o.Retry.Multiplier > 0 {
		d.Retry.Multiplier = o.Retry.Multiplier
	}
	return d
}

// Logger creates the root logger described by [logging].
func (c *Configuration) Logger(name string) hclog.Logger {
	level := hclog.LevelFromString(c.Logging.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: c.Logging.JSON,
	})
}
