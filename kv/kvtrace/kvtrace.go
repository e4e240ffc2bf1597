// Package kvtrace decorates a kv.Store with OpenTelemetry spans and
// trace/debug logging of every call.
package kvtrace

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/consulhelper/internal/correlation"
	"pkt.systems/consulhelper/internal/loggingutil"
	"pkt.systems/consulhelper/kv"
	"pkt.systems/pslog"
)

// TracerName is the instrumentation scope used for store spans.
const TracerName = "pkt.systems/consulhelper/kv"

type store struct {
	inner  kv.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner. sys names the backend in spans and is the subsystem
// tag of every log entry; entries carry the correlation ID of the call's
// context.
func Wrap(inner kv.Store, logger pslog.Logger, sys string) kv.Store {
	return &store{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, sys),
		tracer: otel.Tracer(TracerName),
		sys:    sys,
	}
}

type call struct {
	span   trace.Span
	logger pslog.Logger
	begin  time.Time
	op     string
}

func (s *store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, *call) {
	ctx, span := s.tracer.Start(ctx, "consulhelper.kv."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("consulhelper.kv.operation", op),
		attribute.String("consulhelper.sys", s.sys),
	)
	span.SetAttributes(attrs...)

	logger := correlation.WithLogger(ctx, s.logger)
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("consulhelper.correlation_id", cid))
	}
	return ctx, &call{span: span, logger: logger, begin: time.Now(), op: op}
}

func (c *call) finish(result string, err error, keyvals ...any) {
	elapsed := time.Since(c.begin)
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "kv_error")
		c.span.SetAttributes(attribute.Bool("consulhelper.kv.transient", kv.IsTransient(err)))
	} else {
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.SetAttributes(
		attribute.String("consulhelper.kv.result", result),
		attribute.Int64("consulhelper.kv.duration_ms", elapsed.Milliseconds()),
	)
	c.span.End()
	fields := append([]any{"elapsed", elapsed}, keyvals...)
	if err != nil {
		fields = append(fields, "error", err)
		c.logger.Debug("kv."+c.op+".error", fields...)
		return
	}
	c.logger.Trace("kv."+c.op+"."+result, fields...)
}

func (s *store) Get(ctx context.Context, key string, q kv.QueryOptions) (*kv.Pair, kv.QueryMeta, error) {
	ctx, c := s.start(ctx, "get",
		attribute.String("consulhelper.kv.key", key),
		attribute.Int64("consulhelper.kv.wait_index", int64(q.WaitIndex)),
	)
	pair, meta, err := s.inner.Get(ctx, key, q)
	if err != nil {
		c.finish("error", err, "key", key, "wait_index", q.WaitIndex)
		return pair, meta, err
	}
	result := "absent"
	if pair != nil {
		result = "ok"
		c.span.SetAttributes(attribute.Int64("consulhelper.kv.modify_index", int64(pair.ModifyIndex)))
		c.finish(result, nil, "key", key, "wait_index", q.WaitIndex, "index", meta.LastIndex,
			"session", pair.Session, "size", humanize.Bytes(uint64(len(pair.Value))))
		return pair, meta, nil
	}
	c.finish(result, nil, "key", key, "wait_index", q.WaitIndex, "index", meta.LastIndex)
	return pair, meta, nil
}

func (s *store) Put(ctx context.Context, p *kv.Pair, opts kv.PutOptions) (bool, error) {
	key := ""
	if p != nil {
		key = p.Key
	}
	mode := putMode(opts)
	ctx, c := s.start(ctx, "put",
		attribute.String("consulhelper.kv.key", key),
		attribute.String("consulhelper.kv.mode", mode),
	)
	ok, err := s.inner.Put(ctx, p, opts)
	if err != nil {
		c.finish("error", err, "key", key, "mode", mode)
		return ok, err
	}
	c.finish(boolResult(ok, "applied", "rejected"), nil, "key", key, "mode", mode, "cas", opts.CAS)
	return ok, nil
}

func putMode(opts kv.PutOptions) string {
	switch {
	case opts.Acquire != "":
		return "acquire"
	case opts.Release != "":
		return "release"
	case opts.CheckAndSet:
		return "cas"
	default:
		return "set"
	}
}

func boolResult(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func (s *store) Delete(ctx context.Context, key string, cas uint64) (bool, error) {
	ctx, c := s.start(ctx, "delete", attribute.String("consulhelper.kv.key", key))
	ok, err := s.inner.Delete(ctx, key, cas)
	if err != nil {
		c.finish("error", err, "key", key, "cas", cas)
		return ok, err
	}
	c.finish(boolResult(ok, "applied", "rejected"), nil, "key", key, "cas", cas)
	return ok, nil
}

func (s *store) SessionCreate(ctx context.Context, entry kv.SessionEntry) (string, error) {
	ctx, c := s.start(ctx, "session_create", attribute.String("consulhelper.kv.session_ttl", entry.TTL.String()))
	id, err := s.inner.SessionCreate(ctx, entry)
	if err != nil {
		c.finish("error", err, "name", entry.Name)
		return id, err
	}
	c.finish("ok", nil, "session", id, "ttl", entry.TTL)
	return id, nil
}

func (s *store) SessionRenew(ctx context.Context, id string) error {
	ctx, c := s.start(ctx, "session_renew")
	err := s.inner.SessionRenew(ctx, id)
	if err != nil {
		c.finish("error", err, "session", id)
		return err
	}
	c.finish("ok", nil, "session", id)
	return nil
}

func (s *store) SessionDestroy(ctx context.Context, id string) error {
	ctx, c := s.start(ctx, "session_destroy")
	err := s.inner.SessionDestroy(ctx, id)
	if err != nil {
		c.finish("error", err, "session", id)
		return err
	}
	c.finish("ok", nil, "session", id)
	return nil
}

func (s *store) Leader(ctx context.Context) (string, error) {
	ctx, c := s.start(ctx, "leader")
	leader, err := s.inner.Leader(ctx)
	if err != nil {
		c.finish("error", err)
		return leader, err
	}
	c.finish(boolResult(leader != "", "ok", "none"), nil, "leader", leader)
	return leader, nil
}

func (s *store) HealthService(ctx context.Context, service string, passingOnly bool, q kv.QueryOptions) ([]kv.ServiceEntry, kv.QueryMeta, error) {
	ctx, c := s.start(ctx, "health_service",
		attribute.String("consulhelper.kv.service", service),
		attribute.Bool("consulhelper.kv.passing_only", passingOnly),
	)
	entries, meta, err := s.inner.HealthService(ctx, service, passingOnly, q)
	if err != nil {
		c.finish("error", err, "service", service)
		return entries, meta, err
	}
	c.span.SetAttributes(attribute.Int("consulhelper.kv.instances", len(entries)))
	c.finish("ok", nil, "service", service, "instances", len(entries), "index", meta.LastIndex)
	return entries, meta, nil
}

func (s *store) PassTTL(ctx context.Context, checkID, note string) error {
	ctx, c := s.start(ctx, "pass_ttl", attribute.String("consulhelper.kv.check_id", checkID))
	err := s.inner.PassTTL(ctx, checkID, note)
	if err != nil {
		c.finish("error", err, "check_id", checkID)
		return err
	}
	c.finish("ok", nil, "check_id", checkID)
	return nil
}
