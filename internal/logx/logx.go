package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/schema"
)

type contextKey int

const displayKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithDisplay annotates the logger with the display number.
func WithDisplay(ctx context.Context, display schema.DisplayNum) pslog.Logger {
	log := pslog.Ctx(ctx)
	if current, ok := ctx.Value(displayKey).(schema.DisplayNum); ok && current == display {
		return log
	}
	return log.With("display", display.String())
}

// WithComponent annotates the logger with a stack component name.
func WithComponent(log pslog.Logger, component schema.StackComponent) pslog.Logger {
	if component == "" {
		return log
	}
	return log.With("component", string(component))
}

// ContextWithDisplay stores the display marker on the context for log de-duplication.
func ContextWithDisplay(ctx context.Context, display schema.DisplayNum) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, displayKey, display)
}

// ContextWithDisplayLogger attaches the logger and display marker to the context.
func ContextWithDisplayLogger(ctx context.Context, log pslog.Logger, display schema.DisplayNum) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithDisplay(ctx, display)
}
