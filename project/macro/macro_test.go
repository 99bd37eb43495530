package macro

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k3mmu/common/config"
)

type recorder struct {
	scripts []string
	err     error
}

func (r *recorder) Run_script(ctx context.Context, script string) error {
	r.scripts = append(r.scripts, script)
	return r.err
}

func TestRenderDropsBlankLines(t *testing.T) {
	tpl, err := NewTemplate("t", "G1 E{{ dist }}\n\n{% if cut %}CUT_TIP{% endif %}\n  M400  \n")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{"dist": -12, "cut": false})
	require.NoError(t, err)
	assert.Equal(t, "G1 E-12\nM400", out)

	out, err = tpl.Render(map[string]interface{}{"dist": 5, "cut": true})
	require.NoError(t, err)
	assert.Equal(t, "G1 E5\nCUT_TIP\nM400", out)
}

func TestBadTemplate(t *testing.T) {
	_, err := NewTemplate("broken", "{% if x %}no end")
	assert.Error(t, err)

	_, err = NewHooks(config.ExchangeConfig{PreHook: "{% for g in gates %}G{{ g }}"}, nil)
	assert.Error(t, err)
}

func TestHooksRun(t *testing.T) {
	rec := &recorder{}
	hooks, err := NewHooks(config.Default().Exchange, rec)
	require.NoError(t, err)

	vars := map[string]interface{}{"from": 1, "to": 2, "op": "swap"}
	require.NoError(t, hooks.Run(context.Background(), "pre", vars))
	require.NoError(t, hooks.Run(context.Background(), "post", vars))
	assert.Equal(t, []string{
		"_MMU_PRE_EXCHANGE FROM=1 TO=2 OP=swap",
		"_MMU_POST_EXCHANGE FROM=1 TO=2 OP=swap",
	}, rec.scripts)
}

func TestHooksMissingPhaseAndRunnerError(t *testing.T) {
	rec := &recorder{err: errors.New("printer not ready")}
	hooks, err := NewHooks(config.ExchangeConfig{PreHook: "PAUSE_FEED"}, rec)
	require.NoError(t, err)
	assert.NoError(t, hooks.Run(context.Background(), "post", nil))
	assert.Empty(t, rec.scripts)

	err = hooks.Run(context.Background(), "pre", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre_hook")
	assert.Contains(t, err.Error(), "printer not ready")
}

func TestRunnerFunc(t *testing.T) {
	var got string
	hooks, err := NewHooks(config.ExchangeConfig{PostHook: "T{{ to }}"}, RunnerFunc(func(ctx context.Context, script string) error {
		got = script
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, hooks.Run(context.Background(), "post", map[string]interface{}{"to": 3}))
	assert.Equal(t, "T3", got)
}

func TestRunnerPanicFailsHook(t *testing.T) {
	hooks, err := NewHooks(config.ExchangeConfig{PreHook: "G28"}, RunnerFunc(func(ctx context.Context, script string) error {
		panic("gcode queue closed")
	}))
	require.NoError(t, err)
	err = hooks.Run(context.Background(), "pre", map[string]interface{}{"gates": []interface{}{map[string]interface{}{"index": 0}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcode queue closed")
}
