// internal/infra/shell/shell_converter.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"corpus-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a conversion when the service sets no "timeout".
const DefaultTimeout = 10 * time.Minute

// shellConverter runs the service's "command" parameter through bash. The
// placeholders {{entry}}, {{path}}, {{corpus}} and {{service}} are
// substituted, shell-quoted, before the command runs. Each placeholder
// expands to a single-quoted word, so it must stand outside any quoted
// string in the command.
type shellConverter struct {
	root   string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewShellConverter creates a converter. Relative corpus paths are
// resolved against root.
func NewShellConverter(root string, logger *slog.Logger) domain.Converter {
	return &shellConverter{
		root:   root,
		logger: logger.With("executor_type", "shell"),
		tracer: otel.Tracer("corpus-dispatch-shell-converter"),
	}
}

func (e *shellConverter) Convert(ctx context.Context, a *domain.Assignment) (*domain.Conversion, error) {
	command := a.Service.Params["command"]
	if command == "" {
		return nil, fmt.Errorf("service %s has no command parameter", a.Service.Name)
	}
	timeout := DefaultTimeout
	if raw := a.Service.Params["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("service %s timeout %q: %w", a.Service.Name, raw, err)
		}
		timeout = d
	}

	path := DocumentPath(e.root, a.Corpus.Path, a.Task.Entry)
	command = strings.NewReplacer(
		"{{entry}}", quote(a.Task.Entry),
		"{{path}}", quote(path),
		"{{corpus}}", quote(a.Corpus.Name),
		"{{service}}", quote(a.Service.Name),
	).Replace(command)

	ctx, span := e.tracer.Start(ctx, "executor.shell.Convert",
		trace.WithAttributes(
			attribute.Int64("task.id", a.Task.ID),
			attribute.String("task.entry", a.Task.Entry),
			attribute.String("shell.command", command),
		))
	defer span.End()

	e.logger.Info("executing shell command", "command", command, "task_id", a.Task.ID)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = filepath.Dir(path)
	// children that outlive bash must not hold the output pipe open forever
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log := out.String()

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		span.SetStatus(codes.Error, "shell command timed out")
		log += fmt.Sprintf("\nFatal:shell:timeout conversion exceeded %s\n", timeout)
	case err != nil:
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		log += fmt.Sprintf("\nFatal:shell:exit_status %v\n", err)
	default:
		e.logger.Info("shell command executed successfully", "task_id", a.Task.ID)
	}
	return &domain.Conversion{Log: log}, nil
}

// DocumentPath locates entry on disk.
func DocumentPath(root, corpusPath, entry string) string {
	if filepath.IsAbs(entry) {
		return entry
	}
	base := corpusPath
	if !filepath.IsAbs(base) {
		base = filepath.Join(root, base)
	}
	return filepath.Join(base, entry)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
