// Package admission decides whether a proposed order can be accepted and, if
// so, records it together with its bookings and capacity reservations in a
// single transaction.
//
// Checks run in a fixed order and the first failure is returned:
//
//  1. customer form
//  2. service forms, line by line
//  3. total price
//  4. coupon
//  5. timeslot resolution
//  6. availability
//  7. commit
//
// Steps 1-5 work on the catalog snapshot and the store's coupon ledger. Steps 6 and 7 run inside the
// store transaction, so availability is decided under the same locks that
// consume it.
package admission

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/domain/pricing"
)

const (
	instrumentationName = "github.com/xenking/slotbook/internal/domain/admission"

	// DefaultTxTimeout bounds the admission transaction.
	DefaultTxTimeout = 5 * time.Second

	outcomeAdmitted       = "admitted"
	outcomeInvalidRequest = "invalidRequest"
)

// Engine admits orders. It is safe for concurrent use.
type Engine struct {
	store     Store
	forms     *form.Registry
	oracle    pricing.Oracle
	now       func() time.Time
	newID     func() string
	txTimeout time.Duration

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	outcomes       metric.Int64Counter
	duration       metric.Float64Histogram
}

type Option func(*Engine)

func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) { e.txTimeout = d }
}

// WithClock overrides the clock used for coupon validity.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithFormRegistry(r *form.Registry) Option {
	return func(e *Engine) { e.forms = r }
}

func WithOracle(o pricing.Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// NewEngine creates an Engine on top of the store. Telemetry defaults to the
// global otel providers.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     store,
		forms:     form.NewRegistry(),
		oracle:    pricing.CatalogOracle{},
		now:       time.Now,
		newID:     uuid.NewString,
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}

	e.tracer = e.tracerProvider.Tracer(instrumentationName)
	meter := e.meterProvider.Meter(instrumentationName)

	var err error
	if e.outcomes, err = meter.Int64Counter("slotbook.admission.outcomes",
		metric.WithDescription("Admission decisions by outcome code"),
	); err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	if e.duration, err = meter.Float64Histogram("slotbook.admission.duration",
		metric.WithDescription("Admission latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}
	return e, nil
}

// Admit runs the admission pipeline for the order against the catalog
// snapshot. Rejections are returned as *Error; orders referencing unknown
// catalog data are returned as *RequestError.
func (e *Engine) Admit(ctx context.Context, cat *catalog.Catalog, order *ProposedOrder) (_ *Receipt, rerr error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "admission.Admit", trace.WithAttributes(
		attribute.String("slotbook.environment", order.Tenant.EnvironmentID),
		attribute.String("slotbook.tenant", order.Tenant.TenantID),
		attribute.Int("slotbook.lines", len(order.Lines)),
	))
	defer span.End()
	defer func() { e.observe(ctx, span, started, rerr) }()

	if err := checkReferences(cat, order); err != nil {
		return nil, err
	}

	p := &plan{order: order, at: e.now(), orderID: e.newID()}
	if err := e.checkCustomerForm(ctx, cat, p); err != nil {
		return nil, err
	}
	if err := e.checkServiceForms(cat, p); err != nil {
		return nil, err
	}
	if err := e.checkPrice(ctx, cat, p); err != nil {
		return nil, err
	}
	if err := checkCoupon(order.CouponCode, p.couponErr); err != nil {
		return nil, err
	}
	if err := e.resolveSlots(cat, p); err != nil {
		return nil, err
	}
	receipt, err := e.commit(ctx, cat, p)
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Order admitted",
		zap.String("order_id", receipt.OrderID),
		zap.Int("lines", len(receipt.BookingIDs)),
	)
	return receipt, nil
}

func (e *Engine) commit(ctx context.Context, cat *catalog.Catalog, p *plan) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	var receipt *Receipt
	err := e.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		r, err := e.apply(ctx, cat, p, tx)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err == nil {
		return receipt, nil
	}

	var aerr *Error
	if errors.As(err, &aerr) {
		return nil, aerr
	}
	zctx.From(ctx).Error("Admission transaction failed",
		zap.Stringer("tenant", p.order.Tenant),
		zap.String("order_id", p.orderID),
		zap.Error(err),
	)
	return nil, &Error{Code: CodeStorageFailure, Message: "order could not be stored", Err: err}
}

func (e *Engine) observe(ctx context.Context, span trace.Span, started time.Time, err error) {
	outcome := outcomeAdmitted
	if err != nil {
		outcome = outcomeInvalidRequest
		if code, ok := CodeOf(err); ok {
			outcome = string(code)
		}
		span.SetStatus(codes.Error, outcome)
		if outcome == string(CodeStorageFailure) {
			span.RecordError(err)
		}
	}
	span.SetAttributes(attribute.String("slotbook.admission.outcome", outcome))

	attrs := metric.WithAttributes(attribute.String("code", outcome))
	e.outcomes.Add(ctx, 1, attrs)
	e.duration.Record(ctx, time.Since(started).Seconds(), attrs)

	if err != nil {
		zctx.From(ctx).Debug("Order rejected", zap.String("errorCode", outcome), zap.Error(err))
	}
}
