package config

import (
	"time"
)

type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging"`
	Toolheads []ToolheadConfig `mapstructure:"toolhead"`
	Gates     []GateConfig     `mapstructure:"gate"`
	Recovery  RecoveryConfig   `mapstructure:"recovery"`
	Exchange  ExchangeConfig   `mapstructure:"exchange"`
	Dryer     DryerConfig      `mapstructure:"dryer"`
	Store     StoreConfig      `mapstructure:"store"`
	ACE       ACEConfig        `mapstructure:"ace"`
	API       APIConfig        `mapstructure:"api"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	Color      bool   `mapstructure:"color"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type ToolheadConfig struct {
	Name      string           `mapstructure:"name"`
	Gates     []int            `mapstructure:"gates"`
	Selector  SelectorConfig   `mapstructure:"selector"`
	Cutter    CutterConfig     `mapstructure:"cutter"`
	Segments  SegmentsConfig   `mapstructure:"segments"`
	Actuators []ActuatorConfig `mapstructure:"actuator"`
}

type SelectorConfig struct {
	Actuator string `mapstructure:"actuator"`
	// Encoder is the selector position sensor; empty trusts the actuator ack.
	Encoder   string        `mapstructure:"encoder"`
	Positions []float64     `mapstructure:"positions"`
	Neutral   float64       `mapstructure:"neutral"`
	Speed     float64       `mapstructure:"speed"`
	Accel     float64       `mapstructure:"accel"`
	Retries   int           `mapstructure:"retries"`
	Tolerance float64       `mapstructure:"tolerance"`
	Settle    time.Duration `mapstructure:"settle"`
}

type CutterConfig struct {
	Actuator string `mapstructure:"actuator"`
	// Extruder retracts Offset mm before the cut so the blade meets the filament.
	Extruder     string  `mapstructure:"extruder"`
	Offset       float64 `mapstructure:"offset"`
	CutPosition  float64 `mapstructure:"cut_position"`
	RestPosition float64 `mapstructure:"rest_position"`
	Speed        float64 `mapstructure:"speed"`
}

// SegmentsConfig names each leg by the location it ends at.
type SegmentsConfig struct {
	Buffer   SegmentConfig `mapstructure:"buffer"`
	Bowden   SegmentConfig `mapstructure:"bowden"`
	Extruder SegmentConfig `mapstructure:"extruder"`
	Nozzle   SegmentConfig `mapstructure:"nozzle"`
}

type SegmentConfig struct {
	Length    float64       `mapstructure:"length"`
	Sensor    string        `mapstructure:"sensor"`
	Actuator  string        `mapstructure:"actuator"`
	Speed     float64       `mapstructure:"speed"`
	Accel     float64       `mapstructure:"accel"`
	MaxTime   time.Duration `mapstructure:"max_time"`
	Tolerance float64       `mapstructure:"tolerance"`
}

type ActuatorConfig struct {
	ID  string  `mapstructure:"id"`
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type GateConfig struct {
	Material    string  `mapstructure:"material"`
	Color       string  `mapstructure:"color"`
	Temp        int     `mapstructure:"temp"`
	Empty       bool    `mapstructure:"empty"`
	Sensor      string  `mapstructure:"sensor"`
	ColorOffset float64 `mapstructure:"color_offset"`
	// BufferLength overrides the toolhead's gate->buffer length for this gate.
	BufferLength float64 `mapstructure:"buffer_length"`
}

type RecoveryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	RetryBackoff     float64 `mapstructure:"retry_backoff"`
	RetrySpeedFactor float64 `mapstructure:"retry_speed_factor"`
	RetryAdvance     float64 `mapstructure:"retry_advance"`
}

type ExchangeConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MoveTimeoutFactor float64       `mapstructure:"move_timeout_factor"`
	MoveTimeoutMargin time.Duration `mapstructure:"move_timeout_margin"`
	PreHook           string        `mapstructure:"pre_hook"`
	PostHook          string        `mapstructure:"post_hook"`
}

type DryerConfig struct {
	Enabled        bool                    `mapstructure:"enabled"`
	Heater         string                  `mapstructure:"heater"`
	MaxTemp        float64                 `mapstructure:"max_temp"`
	ReportInterval time.Duration           `mapstructure:"report_interval"`
	Presets        map[string]PresetConfig `mapstructure:"presets"`
}

type PresetConfig struct {
	Temp  float64 `mapstructure:"temp"`
	Hours float64 `mapstructure:"hours"`
}

type StoreConfig struct {
	Kind          string `mapstructure:"kind"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type ACEConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Serial       string        `mapstructure:"serial"`
	Baud         int           `mapstructure:"baud"`
	FeedSpeed    float64       `mapstructure:"feed_speed"`
	RetractSpeed float64       `mapstructure:"retract_speed"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	// Drive is the actuator id the ACE feeders take over on its toolhead.
	Drive string `mapstructure:"drive"`
	// DryerDuration bounds a drying request sent to the unit, in minutes.
	DryerDuration int `mapstructure:"dryer_duration"`
	// Toolhead names the toolhead whose drive and selector the ACE provides.
	Toolhead string `mapstructure:"toolhead"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// GateCount is the number of configured gates.
func (self *Config) GateCount() int {
	return len(self.Gates)
}

// ToolheadFor returns the index of the toolhead owning gate, or -1.
func (self *Config) ToolheadFor(gate int) int {
	for i, th := range self.Toolheads {
		for _, g := range th.Gates {
			if g == gate {
				return i
			}
		}
	}
	return -1
}
