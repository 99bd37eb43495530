package config

// SampleTOML is a four gate, single toolhead unit with a selector, a gear
// drive shared by all gates and a cutter on the toolhead. It is what the
// simulator runs when no config file is given.
const SampleTOML = `
[logging]
level = "info"

[[toolhead]]
name = "T0"

  [toolhead.selector]
  actuator  = "selector"
  encoder   = "selector_encoder"
  positions = [0.0, 21.0, 42.0, 63.0]
  neutral   = 80.0
  speed     = 120.0

  [toolhead.cutter]
  actuator      = "cutter"
  extruder      = "extruder"
  offset        = 12.0
  cut_position  = 1.0
  rest_position = 0.0

  [toolhead.segments.buffer]
  length   = 60.0
  sensor   = "buffer"
  actuator = "gear"
  speed    = 80.0

  [toolhead.segments.bowden]
  length   = 630.0
  sensor   = "bowden"
  actuator = "gear"
  speed    = 150.0

  [toolhead.segments.extruder]
  length   = 40.0
  sensor   = "extruder"
  actuator = "gear"
  speed    = 30.0

  [toolhead.segments.nozzle]
  length   = 70.0
  actuator = "extruder"
  speed    = 5.0

  [[toolhead.actuator]]
  id  = "selector"
  min = 0.0
  max = 90.0

[[gate]]
material = "PLA"
color    = "255,255,255"
temp     = 210

[[gate]]
material = "PLA"
color    = "0,0,0"
temp     = 210

[[gate]]
material = "PETG"
color    = "255,0,0"
temp     = 240

[[gate]]
material = "PETG"
color    = "0,0,255"
temp     = 240

[recovery]
max_attempts       = 2
retry_backoff      = 10.0
retry_speed_factor = 0.5

[exchange]
pre_hook  = "_MMU_PRE_EXCHANGE FROM={{ from }} TO={{ to }} OP={{ op }}"
post_hook = "_MMU_POST_EXCHANGE FROM={{ from }} TO={{ to }} OP={{ op }}"

[dryer]
enabled = true
heater  = "heater_box"

  [dryer.presets.pla]
  temp  = 45.0
  hours = 4.0

  [dryer.presets.petg]
  temp  = 55.0
  hours = 6.0
`

// Default parses SampleTOML. It panics on error since the sample is
// compiled in.
func Default() *Config {
	cfg, err := Parse([]byte(SampleTOML), FormatTOML)
	if err != nil {
		panic(err)
	}
	return cfg
}
