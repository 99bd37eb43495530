package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestPlanPrintsSteps(t *testing.T) {
	out, err := run(t, "plan", "gate2", "nozzle")
	require.NoError(t, err)
	assert.Contains(t, out, "gate2->buffer")
	assert.Contains(t, out, "extruder->nozzle")
	assert.Contains(t, out, "4 steps, 800.0 mm")

	out, err = run(t, "plan", "nozzle", "gate:0")
	require.NoError(t, err)
	assert.Contains(t, out, "nozzle->extruder")
	assert.Contains(t, out, "-70.0")

	_, err = run(t, "plan", "gate2", "hotend")
	assert.Error(t, err)
	_, err = run(t, "plan", "gate9", "nozzle")
	assert.Error(t, err)
}

func TestValidateConfigFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "mmu.toml")
	require.NoError(t, os.WriteFile(good, []byte(config.SampleTOML), 0o644))
	out, err := run(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Equal(t, "ok: 1 toolheads, 4 gates\n", out)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(config.SampleTOML, "[recovery]", "[recovery]\nbogus = 1", 1)), 0o644))
	_, err = run(t, "validate", "--config", bad)
	assert.ErrorContains(t, err, "bogus")

	_, err = run(t, "validate", "--config", filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestParseLocation(t *testing.T) {
	loc, err := parseLocation("Gate:3", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, loc.Gate)
	loc, err = parseLocation("bowden", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loc.Toolhead)
	_, err = parseLocation("gatex", 0)
	assert.Error(t, err)
}
