package clog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NamespaceKey 是日志中命名空间的字段名
const NamespaceKey = "namespace"

type logger struct {
	handler   slog.Handler
	levelVar  *slog.LevelVar // 所有派生 Logger 共享
	options   *options
	namespace string
	attrs     []slog.Attr
}

func newLogger(config *Config, o *options) (Logger, error) {
	w, err := resolveWriter(config, o)
	if err != nil {
		return nil, err
	}

	level, _ := ParseLevel(config.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level.slogLevel())

	handlerOpts := &slog.HandlerOptions{
		AddSource:   config.AddSource,
		Level:       levelVar,
		ReplaceAttr: newReplaceAttr(config.SourceRoot),
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &logger{
		handler:   handler,
		levelVar:  levelVar,
		options:   o,
		namespace: strings.Join(o.namespaceParts, "."),
	}, nil
}

func resolveWriter(config *Config, o *options) (io.Writer, error) {
	switch strings.ToLower(config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "buffer":
		if o.writer == nil {
			return nil, fmt.Errorf("buffer output requires WithWriter")
		}
		return o.writer, nil
	default:
		return os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}

// newReplaceAttr 统一 level/time/source 字段格式
func newReplaceAttr(sourceRoot string) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			level, _ := a.Value.Any().(slog.Level)
			switch {
			case level <= slog.LevelDebug:
				a.Value = slog.StringValue("DEBUG")
			case level <= slog.LevelInfo:
				a.Value = slog.StringValue("INFO")
			case level <= slog.LevelWarn:
				a.Value = slog.StringValue("WARN")
			case level <= slog.LevelError:
				a.Value = slog.StringValue("ERROR")
			default:
				a.Value = slog.StringValue("FATAL")
			}
		case slog.TimeKey:
			if a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
			}
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String("caller", fmt.Sprintf("%s:%d", trimSourcePath(src.File, sourceRoot), src.Line))
			}
		}
		return a
	}
}

func trimSourcePath(file, root string) string {
	if root == "" {
		return filepath.Base(file)
	}
	if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	if idx := strings.Index(file, root); idx != -1 {
		return file[idx:]
	}
	return filepath.Base(file)
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}
func (l *logger) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}
func (l *logger) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}
func (l *logger) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}
func (l *logger) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields)
}
func (l *logger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}
func (l *logger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}
func (l *logger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}
func (l *logger) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}
func (l *logger) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields)
}

func (l *logger) With(fields ...Field) Logger {
	child := *l
	child.attrs = append(append([]slog.Attr(nil), l.attrs...), fields...)
	return &child
}

func (l *logger) WithNamespace(parts ...string) Logger {
	if len(parts) == 0 {
		return l
	}
	child := *l
	ns := strings.Join(parts, ".")
	if l.namespace != "" {
		ns = l.namespace + "." + ns
	}
	child.namespace = ns
	return &child
}

func (l *logger) SetLevel(level Level) error {
	l.levelVar.Set(level.slogLevel())
	return nil
}

// Flush slog 的内置 handler 是同步写入的
func (l *logger) Flush() {}

func (l *logger) log(ctx context.Context, level Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	sl := level.slogLevel()
	if !l.handler.Enabled(ctx, sl) {
		return
	}

	// skip: runtime.Callers, log, Info/Error 等
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), sl, msg, pcs[0])

	if l.namespace != "" {
		record.AddAttrs(slog.String(NamespaceKey, l.namespace))
	}
	record.AddAttrs(l.attrs...)
	record.AddAttrs(fields...)
	l.addContextAttrs(ctx, &record)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func (l *logger) addContextAttrs(ctx context.Context, record *slog.Record) {
	for _, cf := range l.options.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			record.AddAttrs(slog.Any(cf.FieldName, v))
		}
	}
	if l.options.traceContext {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
}
