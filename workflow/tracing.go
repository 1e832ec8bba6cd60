package workflow

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/songzhibin97/issue-workflow/workflow"

// Span attribute keys.
const (
	IssueIDKey      = "workflow.issue.id"
	ActionIDKey     = "workflow.action.id"
	WorkflowNameKey = "workflow.name"
	StepIDKey       = "workflow.step.id"
	StatusIDKey     = "workflow.status.id"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func setSpanError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
