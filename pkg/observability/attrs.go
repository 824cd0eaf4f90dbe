package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic attribute keys for evaluation spans and metrics.
var (
	AttrSheetID = attribute.Key("omrchain.sheet.id")
	AttrPaperID = attribute.Key("omrchain.paper.id")
	AttrStage   = attribute.Key("omrchain.sheet.stage")

	AttrAdapter   = attribute.Key("omrchain.adapter.service")
	AttrAdapterOp = attribute.Key("omrchain.adapter.operation")
	AttrQuestion  = attribute.Key("omrchain.question")

	AttrBlockKind  = attribute.Key("omrchain.block.kind")
	AttrBlockIndex = attribute.Key("omrchain.block.index")

	AttrInterventionID = attribute.Key("omrchain.intervention.id")
	AttrReason         = attribute.Key("omrchain.intervention.reason")
	AttrPriority       = attribute.Key("omrchain.intervention.priority")

	AttrRoute = attribute.Key("omrchain.http.route")
)

// StageOperation builds attributes for one pipeline stage execution.
func StageOperation(sheetID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSheetID.String(sheetID),
		AttrStage.String(stage),
	}
}

// AdapterOperation builds attributes for one upstream service call.
func AdapterOperation(service, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAdapter.String(service),
		AttrAdapterOp.String(operation),
	}
}

// LedgerAppend builds attributes for one block append.
func LedgerAppend(kind string, index uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBlockKind.String(kind),
		AttrBlockIndex.Int64(int64(index)),
	}
}

// InterventionOperation builds attributes for queue activity.
func InterventionOperation(itemID, reason, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrInterventionID.String(itemID),
		AttrReason.String(reason),
		AttrPriority.String(priority),
	}
}

// SpanFromContext returns the active span, or a no-op one.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the active span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
