package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"k3mmu/common/logger"
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// Load reads a TOML or YAML file (chosen by extension), applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	format := FormatTOML
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte, format string) (*Config, error) {
	raw := map[string]interface{}{}
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	cfg := &Config{}
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw map[string]interface{}, out *Config) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if len(md.Unused) > 0 {
		return fmt.Errorf("unknown config options: %s", strings.Join(md.Unused, ", "))
	}
	return nil
}

func (self *Config) ApplyDefaults() {
	if self.Logging.Level == "" {
		self.Logging.Level = "info"
	}
	if self.Logging.MaxSize == 0 {
		self.Logging.MaxSize = 10
	}
	if self.Logging.MaxBackups == 0 {
		self.Logging.MaxBackups = 3
	}
	if self.Logging.MaxAge == 0 {
		self.Logging.MaxAge = 7
	}

	// a single toolhead owns every gate unless told otherwise
	if len(self.Toolheads) == 1 && len(self.Toolheads[0].Gates) == 0 {
		for i := range self.Gates {
			self.Toolheads[0].Gates = append(self.Toolheads[0].Gates, i)
		}
	}
	for i := range self.Toolheads {
		th := &self.Toolheads[i]
		if th.Name == "" {
			th.Name = fmt.Sprintf("T%d", i)
		}
		if th.Selector.Speed == 0 {
			th.Selector.Speed = 100
		}
		if th.Selector.Retries == 0 {
			th.Selector.Retries = 2
		}
		if th.Selector.Tolerance == 0 {
			th.Selector.Tolerance = 0.5
		}
		if th.Cutter.Speed == 0 {
			th.Cutter.Speed = 50
		}
		if th.Segments.Nozzle.Speed == 0 {
			th.Segments.Nozzle.Speed = 5
		}
		for _, seg := range []*SegmentConfig{&th.Segments.Buffer, &th.Segments.Bowden, &th.Segments.Extruder, &th.Segments.Nozzle} {
			if seg.Speed == 0 {
				seg.Speed = 50
			}
			if seg.Tolerance == 0 {
				seg.Tolerance = 10
			}
			if seg.MaxTime == 0 && seg.Length > 0 {
				seg.MaxTime = time.Duration(seg.Length/seg.Speed*2*float64(time.Second)) + 2*time.Second
			}
		}
	}

	if self.Recovery.MaxAttempts == 0 {
		self.Recovery.MaxAttempts = 2
	}
	if self.Recovery.RetryBackoff == 0 {
		self.Recovery.RetryBackoff = 10
	}
	if self.Recovery.RetrySpeedFactor == 0 {
		self.Recovery.RetrySpeedFactor = 0.5
	}
	if self.Recovery.RetryAdvance == 0 {
		self.Recovery.RetryAdvance = 20
	}

	if self.Exchange.RequestTimeout == 0 {
		self.Exchange.RequestTimeout = 5 * time.Minute
	}
	if self.Exchange.MoveTimeoutFactor == 0 {
		self.Exchange.MoveTimeoutFactor = 1.5
	}
	if self.Exchange.MoveTimeoutMargin == 0 {
		self.Exchange.MoveTimeoutMargin = 2 * time.Second
	}

	if self.Dryer.Heater == "" {
		self.Dryer.Heater = "heater_box"
	}
	if self.Dryer.MaxTemp == 0 {
		self.Dryer.MaxTemp = 70
	}
	if self.Dryer.ReportInterval == 0 {
		self.Dryer.ReportInterval = 5 * time.Minute
	}

	if self.Store.RedisPrefix == "" {
		self.Store.RedisPrefix = "mmu:"
	}

	if self.ACE.Serial == "" {
		self.ACE.Serial = "/dev/ttyACM0"
	}
	if self.ACE.Baud == 0 {
		self.ACE.Baud = 115200
	}
	if self.ACE.FeedSpeed == 0 {
		self.ACE.FeedSpeed = 50
	}
	if self.ACE.RetractSpeed == 0 {
		self.ACE.RetractSpeed = 50
	}
	if self.ACE.Heartbeat == 0 {
		self.ACE.Heartbeat = 3 * time.Second
	}
	if self.ACE.Drive == "" {
		self.ACE.Drive = "gear"
	}
	if self.ACE.DryerDuration == 0 {
		self.ACE.DryerDuration = 240
	}

	if self.API.Listen == "" {
		self.API.Listen = "127.0.0.1:8088"
	}
}

// Validate reports every problem at once rather than the first one.
func (self *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logger.ParseLevel(self.Logging.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	if len(self.Gates) == 0 {
		add("at least one [[gate]] must be configured")
	}
	if len(self.Toolheads) == 0 {
		add("at least one [[toolhead]] must be configured")
	}

	owners := map[int]string{}
	for _, th := range self.Toolheads {
		for _, g := range th.Gates {
			if g < 0 || g >= len(self.Gates) {
				add("toolhead %s: gate %d out of range 0..%d", th.Name, g, len(self.Gates)-1)
				continue
			}
			if prev, ok := owners[g]; ok {
				add("gate %d owned by both %s and %s", g, prev, th.Name)
			}
			owners[g] = th.Name
		}
		if th.Selector.Actuator != "" && len(th.Selector.Positions) != len(th.Gates) {
			add("toolhead %s: selector needs %d positions, has %d", th.Name, len(th.Gates), len(th.Selector.Positions))
		}
		for name, seg := range map[string]SegmentConfig{
			"buffer": th.Segments.Buffer, "bowden": th.Segments.Bowden,
			"extruder": th.Segments.Extruder, "nozzle": th.Segments.Nozzle,
		} {
			if seg.Length <= 0 {
				add("toolhead %s: segment %s must have a positive length", th.Name, name)
			}
			if seg.Actuator == "" {
				add("toolhead %s: segment %s needs an actuator", th.Name, name)
			}
		}
		for _, a := range th.Actuators {
			if a.ID == "" {
				add("toolhead %s: actuator without id", th.Name)
			}
			if a.Max != 0 && a.Min > a.Max {
				add("toolhead %s: actuator %s min %.1f above max %.1f", th.Name, a.ID, a.Min, a.Max)
			}
		}
	}
	for i := range self.Gates {
		if _, ok := owners[i]; !ok && len(self.Toolheads) > 0 {
			add("gate %d is not owned by any toolhead", i)
		}
	}

	if self.Recovery.MaxAttempts < 0 {
		add("recovery.max_attempts must not be negative")
	}
	if self.Recovery.RetrySpeedFactor <= 0 || self.Recovery.RetrySpeedFactor > 1 {
		add("recovery.retry_speed_factor must be in (0, 1]")
	}
	for name, p := range self.Dryer.Presets {
		if p.Temp <= 0 || p.Hours <= 0 {
			add("dryer preset %s needs temp and hours", name)
		}
		if p.Temp > self.Dryer.MaxTemp {
			add("dryer preset %s temp %.1f above max %.1f", name, p.Temp, self.Dryer.MaxTemp)
		}
	}
	switch self.Store.Kind {
	case "", "memory":
	case "file":
		if self.Store.Path == "" {
			add("store.path is required for the file store")
		}
	case "redis":
		if self.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis store")
		}
	default:
		add("unknown store kind %q", self.Store.Kind)
	}
	if self.ACE.Enabled {
		if self.ACE.Toolhead != "" && self.toolheadIndex(self.ACE.Toolhead) < 0 {
			add("ace.toolhead %q is not configured", self.ACE.Toolhead)
		}
	}
	return errs
}

func (self *Config) toolheadIndex(name string) int {
	for i, th := range self.Toolheads {
		if th.Name == name {
			return i
		}
	}
	return -1
}
