package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/dealpipe/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 5000, 10000, 20000, 30000, 60000,
)

var piecesDistribution = view.Distribution(0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192)

var fillDistribution = view.Distribution(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1)

// Tags
var (
	Version, _ = tag.NewKey("version")
	Commit, _  = tag.NewKey("commit")

	Service, _ = tag.NewKey("service")
	Handler, _ = tag.NewKey("handler")
	Ability, _ = tag.NewKey("ability")
	Queue, _   = tag.NewKey("queue")
	Group, _   = tag.NewKey("group")

	FailureType, _ = tag.NewKey("failure_type")
)

// Measures
var (
	Info = stats.Int64("info", "Arbitrary counter to tag dealpipe info to", stats.UnitDimensionless)

	// aggregator
	BufferReductions    = stats.Int64("aggregator/buffer_reductions", "Buffer queue batches reduced", stats.UnitDimensionless)
	AggregatedPieces    = stats.Int64("aggregator/aggregated_pieces", "Pieces placed into an aggregate per reduction", stats.UnitDimensionless)
	AggregateFill       = stats.Float64("aggregator/aggregate_fill", "Share of the aggregate capacity consumed", stats.UnitDimensionless)
	AggregatesBuilt     = stats.Int64("aggregator/aggregates_built", "Aggregates produced", stats.UnitDimensionless)
	InclusionsComputed  = stats.Int64("aggregator/inclusions_computed", "Inclusion proofs computed", stats.UnitDimensionless)
	AggregateLatencySec = stats.Float64("aggregator/aggregate_latency_s", "Time from oldest piece insertion to aggregate offer", stats.UnitSeconds)

	// workflow
	ReceiptMemoHits   = stats.Int64("workflow/receipt_memo_hits", "Tasks answered from a stored receipt", stats.UnitDimensionless)
	ReceiptMemoMisses = stats.Int64("workflow/receipt_memo_misses", "Tasks executed because no usable receipt existed", stats.UnitDimensionless)
	InvocationFailure = stats.Int64("workflow/invocation_failure", "Invocations returning a failure", stats.UnitDimensionless)
	InvocationMs      = stats.Float64("workflow/invocation_ms", "Duration of capability invocations", stats.UnitMilliseconds)

	// queue
	QueueRedeliveries = stats.Int64("queue/redeliveries", "Messages scheduled for redelivery", stats.UnitDimensionless)
	HandlerMs         = stats.Float64("queue/handler_ms", "Duration of queue handler batches", stats.UnitMilliseconds)

	// reconciliation
	ReconcileUpdated = stats.Int64("reconcile/updated", "Records advanced by a reconciliation tick", stats.UnitDimensionless)
	ReconcilePending = stats.Int64("reconcile/pending", "Records still pending after a reconciliation tick", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "dealpipe node information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit},
	}
	BufferReductionsView = &view.View{
		Measure:     BufferReductions,
		Aggregation: view.Count(),
	}
	AggregatedPiecesView = &view.View{
		Measure:     AggregatedPieces,
		Aggregation: piecesDistribution,
	}
	AggregateFillView = &view.View{
		Measure:     AggregateFill,
		Aggregation: fillDistribution,
	}
	AggregatesBuiltView = &view.View{
		Measure:     AggregatesBuilt,
		Aggregation: view.Sum(),
	}
	InclusionsComputedView = &view.View{
		Measure:     InclusionsComputed,
		Aggregation: view.Sum(),
	}
	AggregateLatencyView = &view.View{
		Measure:     AggregateLatencySec,
		Aggregation: view.Distribution(60, 300, 900, 1800, 3600, 2*3600, 4*3600, 8*3600, 24*3600),
	}
	ReceiptMemoHitsView = &view.View{
		Measure:     ReceiptMemoHits,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Ability},
	}
	ReceiptMemoMissesView = &view.View{
		Measure:     ReceiptMemoMisses,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Ability},
	}
	InvocationFailureView = &view.View{
		Measure:     InvocationFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Ability, FailureType},
	}
	InvocationDurationView = &view.View{
		Measure:     InvocationMs,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Ability},
	}
	QueueRedeliveriesView = &view.View{
		Measure:     QueueRedeliveries,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Queue},
	}
	HandlerDurationView = &view.View{
		Measure:     HandlerMs,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Service, Handler},
	}
	ReconcileUpdatedView = &view.View{
		Measure:     ReconcileUpdated,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Service},
	}
	ReconcilePendingView = &view.View{
		Measure:     ReconcilePending,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Service},
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	InfoView,
	BufferReductionsView,
	AggregatedPiecesView,
	AggregateFillView,
	AggregatesBuiltView,
	InclusionsComputedView,
	AggregateLatencyView,
	ReceiptMemoHitsView,
	ReceiptMemoMissesView,
	InvocationFailureView,
	InvocationDurationView,
	QueueRedeliveriesView,
	HandlerDurationView,
	ReconcileUpdatedView,
	ReconcilePendingView,
}

// RecordInfo tags the info measure with the build version.
func RecordInfo(ctx context.Context) {
	ctx, _ = tag.New(ctx,
		tag.Upsert(Version, build.BuildVersion),
		tag.Upsert(Commit, build.CurrentCommit),
	)
	stats.Record(ctx, Info.M(1))
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// HandlerContext tags ctx with the service and handler names.
func HandlerContext(ctx context.Context, service, handler string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(Service, service), tag.Upsert(Handler, handler))
	return ctx
}
