package input

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Executor performs a validated Command.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// XdotoolExecutor drives the X11 keyboard and pointer through the xdotool
// binary.
type XdotoolExecutor struct {
	binary string
	logger *zap.Logger
	run    func(ctx context.Context, name string, args ...string) error
}

// NewXdotoolExecutor creates an executor. binary defaults to "xdotool".
func NewXdotoolExecutor(binary string, logger *zap.Logger) *XdotoolExecutor {
	if binary == "" {
		binary = "xdotool"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &XdotoolExecutor{
		binary: binary,
		logger: logger.Named("xdotool"),
		run: func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
			}
			return nil
		},
	}
}

// Execute implements Executor.
func (x *XdotoolExecutor) Execute(ctx context.Context, cmd Command) error {
	args, err := XdotoolArgs(cmd)
	if err != nil {
		return err
	}
	x.logger.Debug("executing", zap.Stringer("command", cmd), zap.Strings("args", args))
	return x.run(ctx, x.binary, args...)
}

// XdotoolArgs translates a Command into xdotool arguments.
func XdotoolArgs(cmd Command) ([]string, error) {
	switch cmd.Kind {
	case KindKey:
		sym, ok := keysym(cmd.Key)
		if !ok {
			return nil, fmt.Errorf("%w: key not in safe list: %q", ErrUnsupported, cmd.Key)
		}
		switch cmd.Verb {
		case VerbPress, VerbType:
			return []string{"key", sym}, nil
		case VerbHold:
			return []string{"keydown", sym}, nil
		case VerbRelease:
			return []string{"keyup", sym}, nil
		}
	case KindMouse:
		var args []string
		if cmd.HasPosition {
			args = append(args, "mousemove", strconv.Itoa(cmd.X), strconv.Itoa(cmd.Y))
		}
		switch cmd.Verb {
		case VerbMove:
			if !cmd.HasPosition {
				return nil, fmt.Errorf("%w: move needs a position", ErrUnsupported)
			}
			return args, nil
		case VerbClick, VerbLeftClick:
			return append(args, "click", "1"), nil
		case VerbRightClick:
			return append(args, "click", "3"), nil
		case VerbDoubleClick:
			return append(args, "click", "--repeat", "2", "1"), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, cmd)
}

var keysyms = map[string]string{
	"space": "space", "spacebar": "space",
	"enter": "Return", "return": "Return",
	"escape": "Escape", "esc": "Escape",
	"backspace": "BackSpace", "tab": "Tab",
	"shift": "shift", "ctrl": "ctrl", "control": "ctrl", "alt": "alt",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"home": "Home", "end": "End", "pageup": "Prior", "pagedown": "Next",
	"insert": "Insert", "delete": "Delete",
}

func keysym(key string) (string, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !IsSafeKey(key) {
		return "", false
	}
	if sym, ok := keysyms[key]; ok {
		return sym, true
	}
	if len(key) > 1 && key[0] == 'f' {
		return strings.ToUpper(key), true
	}
	return key, true
}

// DryRunExecutor logs commands instead of executing them and remembers them.
type DryRunExecutor struct {
	logger *zap.Logger

	mu       sync.Mutex
	executed []Command
}

// NewDryRunExecutor creates a DryRunExecutor.
func NewDryRunExecutor(logger *zap.Logger) *DryRunExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunExecutor{logger: logger.Named("input_dry_run")}
}

// Execute implements Executor.
func (d *DryRunExecutor) Execute(_ context.Context, cmd Command) error {
	d.mu.Lock()
	d.executed = append(d.executed, cmd)
	d.mu.Unlock()
	d.logger.Info("dry run: control input", zap.Stringer("command", cmd))
	return nil
}

// Executed returns a copy of every command seen so far.
func (d *DryRunExecutor) Executed() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.executed...)
}

var (
	_ Executor = (*XdotoolExecutor)(nil)
	_ Executor = (*DryRunExecutor)(nil)
)
