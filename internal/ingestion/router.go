// Package ingestion wires venue supervisors to the sink and aggregator.
package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/sink"
	"github.com/davidzk3/perps-ops-control-tower/internal/supervisor"
)

// EventSink accepts raw events for persistence.
type EventSink interface {
	Enqueue(ctx context.Context, ev sink.Event) error
}

// BookIngester accepts top-of-book samples for aggregation.
type BookIngester interface {
	Ingest(ctx context.Context, b domain.BookTop) error
}

// Router fans canonical events out: trades go to the sink, book tops go to
// both the sink and the aggregator.
type Router struct {
	sink       EventSink
	aggregator BookIngester
	metrics    *observability.Metrics
}

var _ supervisor.Handler = (*Router)(nil)

// RouterOptions contains configuration for creating a Router.
type RouterOptions struct {
	Sink       EventSink
	Aggregator BookIngester // optional
	Metrics    *observability.Metrics
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		sink:       opts.Sink,
		aggregator: opts.Aggregator,
		metrics:    observability.OrDefault(opts.Metrics),
	}
}

// HandleTrade routes a trade to the sink.
func (r *Router) HandleTrade(ctx context.Context, t domain.Trade) error {
	if r.discard(t.Venue, t.Key()) {
		return nil
	}
	r.observe(t.Venue, "trade", t.EventTime.UnixMilli(), t.ReceivedAt.Sub(t.EventTime).Seconds())

	if err := r.sink.Enqueue(ctx, sink.TradeEvent(t)); err != nil {
		return fmt.Errorf("route trade: %w", err)
	}
	return nil
}

// HandleBookTop routes a book top to the sink and the aggregator.
// Both destinations are attempted even if one fails.
func (r *Router) HandleBookTop(ctx context.Context, b domain.BookTop) error {
	if r.discard(b.Venue, b.Key()) {
		return nil
	}
	r.observe(b.Venue, "book_top", b.EventTime.UnixMilli(), b.ReceivedAt.Sub(b.EventTime).Seconds())

	var errs []error
	if err := r.sink.Enqueue(ctx, sink.BookEvent(b)); err != nil {
		errs = append(errs, fmt.Errorf("route book to sink: %w", err))
	}
	if r.aggregator != nil {
		if err := r.aggregator.Ingest(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("route book to aggregator: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) observe(venue domain.Venue, kind string, eventMs int64, freshness float64) {
	v := venue.String()
	r.metrics.EventsRouted.WithLabelValues(v, kind).Inc()
	r.metrics.EventFreshness.WithLabelValues(v).Observe(freshness)
	r.metrics.LastEventTimestamp.WithLabelValues(v).Set(float64(eventMs) / 1000)
}

// discard reports whether an event lacks a storable natural key and counts
// it as malformed.
func (r *Router) discard(venue domain.Venue, key domain.NaturalKey) bool {
	if key.Valid() {
		return false
	}
	r.metrics.MalformedMessages.WithLabelValues(venue.String()).Inc()
	return true
}
