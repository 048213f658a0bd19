// Package gcode provides G-code command registration, dispatch and macro
// template rendering. Commands are extended G-code ("NAME KEY=VALUE ...");
// unrecognized lines fall through to an optional fallback handler so that
// plain movement codes can still be executed.
package gcode

import (
	"sort"
	"strings"
	"sync"

	"ktcc-go/pkg/errors"
	"ktcc-go/pkg/logger"
)

// Handler is a function that handles one G-code command.
type Handler func(args Args) error

// FallbackHandler receives lines whose command is not registered.
type FallbackHandler func(line string) error

// Runner manages G-code command registration and script execution.
type Runner struct {
	mu           sync.RWMutex
	commands     map[string]Handler
	commandHelp  map[string]string
	commandOrder []string
	fallback     FallbackHandler
	log          *logger.Logger
}

// NewRunner creates an empty command runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{
		commands:    make(map[string]Handler),
		commandHelp: make(map[string]string),
		log:         log,
	}
}

// Register adds a command handler with help text. Registering an existing
// name replaces the previous handler.
func (r *Runner) Register(name, help string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.ToUpper(name)
	if _, ok := r.commands[name]; !ok {
		r.commandOrder = append(r.commandOrder, name)
		sort.Strings(r.commandOrder)
	}
	r.commands[name] = handler
	r.commandHelp[name] = help
}

// SetFallback installs the handler for unregistered lines.
func (r *Runner) SetFallback(fn FallbackHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// CommandNames returns all registered command names, sorted.
func (r *Runner) CommandNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.commandOrder))
	copy(names, r.commandOrder)
	return names
}

// Help returns the help text for a command.
func (r *Runner) Help(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commandHelp[strings.ToUpper(name)]
}

// Run executes a multi-line G-code script, stopping at the first error.
func (r *Runner) Run(script string) error {
	for _, raw := range strings.Split(script, "\n") {
		line := raw
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := r.runLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runLine(line string) error {
	fields := strings.Fields(line)
	name := strings.ToUpper(fields[0])

	r.mu.RLock()
	handler, ok := r.commands[name]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback != nil {
			return fallback(line)
		}
		return errors.UnknownCommand(name)
	}

	args := Args{Command: name, params: make(map[string]string)}
	for _, field := range fields[1:] {
		if kv := strings.SplitN(field, "=", 2); len(kv) == 2 {
			args.params[strings.ToUpper(kv[0])] = kv[1]
		} else {
			args.params[strings.ToUpper(field)] = ""
		}
	}
	r.log.Debugw("dispatch", "command", name, "params", args.params)
	return handler(args)
}

// RunTemplate renders a macro template with the given context and executes
// the resulting script.
func (r *Runner) RunTemplate(t *Template, context map[string]any) error {
	if t == nil {
		return nil
	}
	script, err := t.Render(context)
	if err != nil {
		return err
	}
	return r.Run(script)
}
