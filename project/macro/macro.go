package macro

import (
	"context"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v5"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
)

// ScriptRunner executes a rendered gcode script, one command per line.
type ScriptRunner interface {
	Run_script(ctx context.Context, script string) error
}

type RunnerFunc func(ctx context.Context, script string) error

func (f RunnerFunc) Run_script(ctx context.Context, script string) error {
	return f(ctx, script)
}

// LogRunner only logs the script. It is what runs when the unit has no
// gcode host attached.
type LogRunner struct{}

func (LogRunner) Run_script(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		logger.Infof("gcode: %s", line)
	}
	return nil
}

type TemplateWrapper struct {
	name     string
	template *pongo2.Template
}

func NewTemplate(name, source string) (*TemplateWrapper, error) {
	tpl, err := pongo2.FromString(source)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &TemplateWrapper{name: name, template: tpl}, nil
}

func (self *TemplateWrapper) Name() string {
	return self.name
}

// Render expands the template with vars and drops blank lines.
func (self *TemplateWrapper) Render(vars map[string]interface{}) (string, error) {
	out, err := self.template.Execute(pongo2.Context(sys.DeepCopyMap(vars)))
	if err != nil {
		return "", fmt.Errorf("template %s: %w", self.name, err)
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Hooks holds the pre and post exchange scripts. Run has the signature of
// an exchange hook.
type Hooks struct {
	templates map[string]*TemplateWrapper
	runner    ScriptRunner
}

func NewHooks(cfg config.ExchangeConfig, runner ScriptRunner) (*Hooks, error) {
	if runner == nil {
		runner = LogRunner{}
	}
	self := &Hooks{templates: map[string]*TemplateWrapper{}, runner: runner}
	for phase, src := range map[string]string{"pre": cfg.PreHook, "post": cfg.PostHook} {
		if strings.TrimSpace(src) == "" {
			continue
		}
		tpl, err := NewTemplate(phase+"_hook", src)
		if err != nil {
			return nil, err
		}
		self.templates[phase] = tpl
	}
	return self, nil
}

// Run renders the phase's script and hands it to the runner. A panicking
// runner fails the hook.
func (self *Hooks) Run(ctx context.Context, phase string, vars map[string]interface{}) (err error) {
	defer sys.RecoverError(&err)
	tpl, ok := self.templates[phase]
	if !ok {
		return nil
	}
	script, err := tpl.Render(vars)
	if err != nil {
		return err
	}
	if script == "" {
		return nil
	}
	if err := self.runner.Run_script(ctx, script); err != nil {
		return fmt.Errorf("%s: %w", tpl.Name(), err)
	}
	return nil
}
