package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ScheduleID(ctx))
	assert.Empty(t, Operation(ctx))
	assert.Empty(t, Step(ctx))
	assert.Empty(t, ResourceID(ctx))

	ctx = WithSchedule(ctx, "sch-1", "start_service")
	ctx = WithStep(ctx, "create_service")
	ctx = WithResourceID(ctx, "svc-9")

	assert.Equal(t, "sch-1", ScheduleID(ctx))
	assert.Equal(t, "start_service", Operation(ctx))
	assert.Equal(t, "create_service", Step(ctx))
	assert.Equal(t, "svc-9", ResourceID(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithStep(WithSchedule(context.Background(), "sch-auto", "stop_service"), "remove_service")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"schedule_id":"sch-auto"`)
	assert.Contains(t, output, `"operation":"stop_service"`)
	assert.Contains(t, output, `"step":"remove_service"`)
	assert.NotContains(t, output, "resource_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "schedule_id")
	assert.NotContains(t, output, "step")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "controller")}))

	ctx := WithResourceID(context.Background(), "svc-1")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"resource_id":"svc-1"`)
	assert.Contains(t, output, `"component":"controller"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("engine"))

	ctx := WithScheduleID(context.Background(), "sch-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "sch-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewHandler(t *testing.T) {
	for _, format := range []string{FormatText, FormatJSON, FormatTint} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			h, err := NewHandler(format, slog.LevelInfo, &buf)
			require.NoError(t, err)

			logger := slog.New(h)
			logger.DebugContext(context.Background(), "hidden")
			logger.InfoContext(WithScheduleID(context.Background(), "sch-7"), "shown")

			out := buf.String()
			assert.NotContains(t, out, "hidden")
			assert.Contains(t, out, "shown")
			assert.Contains(t, out, "sch-7")
		})
	}

	_, err := NewHandler("xml", slog.LevelInfo, &bytes.Buffer{})
	assert.Error(t, err)
}
