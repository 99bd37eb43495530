package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	require.Len(t, cfg.Toolheads, 1)
	th := cfg.Toolheads[0]
	assert.Equal(t, "T0", th.Name)
	assert.Equal(t, []int{0, 1, 2, 3}, th.Gates)
	assert.Equal(t, 4, cfg.GateCount())
	assert.Equal(t, 0, cfg.ToolheadFor(3))
	assert.Equal(t, -1, cfg.ToolheadFor(7))

	assert.Equal(t, "bowden", th.Segments.Bowden.Sensor)
	assert.Equal(t, 630.0, th.Segments.Bowden.Length)
	assert.Equal(t, 10.0, th.Segments.Nozzle.Tolerance)
	assert.Equal(t, time.Duration(630.0/150.0*2*float64(time.Second))+2*time.Second, th.Segments.Bowden.MaxTime)
	assert.Equal(t, 2, th.Selector.Retries)

	assert.Equal(t, 45.0, cfg.Dryer.Presets["pla"].Temp)
	assert.Equal(t, 5*time.Minute, cfg.Dryer.ReportInterval)
	assert.Equal(t, "127.0.0.1:8088", cfg.API.Listen)
}

const yamlConfig = `
logging:
  level: debug
toolhead:
  - name: left
    gates: [0]
    segments:
      buffer:   {length: 10, actuator: gear_l, max_time: 3s}
      bowden:   {length: 100, actuator: gear_l}
      extruder: {length: 10, actuator: gear_l}
      nozzle:   {length: 20, actuator: ext_l}
  - name: right
    gates: [1]
    segments:
      buffer:   {length: 10, actuator: gear_r}
      bowden:   {length: 100, actuator: gear_r}
      extruder: {length: 10, actuator: gear_r}
      nozzle:   {length: 20, actuator: ext_r}
gate:
  - material: PLA
  - material: ABS
    empty: true
store:
  kind: file
  path: /tmp/mmu.json
`

func TestParseYAMLTwoToolheads(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)

	require.Len(t, cfg.Toolheads, 2)
	assert.Equal(t, 3*time.Second, cfg.Toolheads[0].Segments.Buffer.MaxTime)
	assert.Equal(t, 1, cfg.ToolheadFor(1))
	assert.True(t, cfg.Gates[1].Empty)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
[logging]
level = "loud"

[[toolhead]]
gates = [0, 5]
  [toolhead.selector]
  actuator = "selector"
  positions = [0.0]

[[gate]]

[store]
kind = "redis"
`), FormatTOML)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown log level "loud"`,
		"gate 5 out of range",
		"selector needs 2 positions",
		"segment bowden must have a positive length",
		"store.redis_addr is required",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestParseRejectsUnknownOptions(t *testing.T) {
	_, err := Parse([]byte(SampleTOML+"\n[api]\nlisten = \":1\"\nport = 3\n"), FormatTOML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.port")
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mmu.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "left", cfg.Toolheads[0].Name)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
