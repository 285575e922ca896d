// Package boot drives one probe run: resolve settings, build the trust store,
// create the pool and run the diagnostic query. Every transition is one-way
// and the first failure is returned unchanged.
package boot

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"pgprobe/internal/db"
	"pgprobe/internal/platform/apperr"
	"pgprobe/internal/platform/config"
	"pgprobe/internal/platform/health"
	"pgprobe/internal/platform/logging"
	"pgprobe/internal/platform/metrics"
	"pgprobe/internal/probe"
	"pgprobe/internal/tlstrust"
)

// State is a node of the bootstrap state machine.
type State string

const (
	StateStart          State = "start"
	StateConfigResolved State = "config_resolved"
	StateTrustBuilt     State = "trust_built"
	StateTrustSkipped   State = "trust_skipped"
	StatePoolCreated    State = "pool_created"
	StateQueryExecuted  State = "query_executed"
	StateAborted        State = "aborted"
)

// Stage names, used for spans, metrics and log fields.
const (
	StageConfig = "config"
	StageTrust  = "trust"
	StagePool   = "pool"
	StageQuery  = "query"
)

// Deps are the collaborators of a run. Zero fields get no-op defaults.
type Deps struct {
	Log     *zap.Logger
	Environ func() []string
	Tracer  trace.Tracer
	Metrics *metrics.ProbeMetrics

	// Source turns the pool into a connection source for the runner.
	// Defaults to probe.PoolSource.
	Source func(*db.Pool) probe.Source
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Environ == nil {
		d.Environ = os.Environ
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if d.Source == nil {
		d.Source = probe.PoolSource
	}
	return d
}

// Report describes how far a run got.
type Report struct {
	RunID     string
	States    []State
	Transport db.Mode
	Result    probe.Result
	Steps     []health.Step
}

// Final is the last state reached.
func (r Report) Final() State {
	if len(r.States) == 0 {
		return StateStart
	}
	return r.States[len(r.States)-1]
}

// Health renders the report as a result tree. runErr is the error Run
// returned alongside r.
func (r Report) Health(runErr error) health.Result {
	res := health.Summarize("pgprobe", r.Steps, runErr)
	res.Attrs = map[string]string{
		"run_id": r.RunID,
		"state":  string(r.Final()),
	}
	if r.Final() == StateQueryExecuted {
		res.Attrs["transport"] = r.Transport.String()
		res.Attrs["rows"] = strconv.Itoa(len(r.Result.Rows))
	}
	return res
}

type run struct {
	deps   Deps
	log    *zap.Logger
	report Report
}

// Run executes the full bootstrap sequence once.
func Run(ctx context.Context, deps Deps) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	r := &run{
		deps:   deps,
		report: Report{RunID: uuid.NewString(), States: []State{StateStart}},
	}

	ctx, span := deps.Tracer.Start(ctx, "pgprobe.run",
		trace.WithAttributes(attribute.String("pgprobe.run_id", r.report.RunID)))
	defer span.End()
	ctx, r.log = logging.ForRun(ctx, deps.Log, r.report.RunID)

	err := r.sequence(ctx)
	deps.Metrics.Run(ctx, r.transportLabel(), len(r.report.Result.Rows), err)
	if err != nil {
		reached := r.report.Final()
		r.advance(StateAborted)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("probe failed", zap.String("reached", string(reached)), zap.Error(err))
		return r.report, err
	}
	r.log.Info("probe succeeded",
		zap.String("transport", r.report.Transport.String()),
		zap.Int("rows", len(r.report.Result.Rows)),
		zap.Duration("query_duration", r.report.Result.Duration))
	return r.report, nil
}

func (r *run) sequence(ctx context.Context) error {
	var settings config.Settings
	if err := r.stage(ctx, StageConfig, func(context.Context) error {
		var err error
		settings, err = config.Load(r.log, r.deps.Environ)
		return err
	}); err != nil {
		return err
	}
	r.advance(StateConfigResolved)

	var trust *tlstrust.Store
	if err := r.stage(ctx, StageTrust, func(context.Context) error {
		path, ok := settings.CACertPath()
		if !ok {
			return nil
		}
		if path == "" {
			return apperr.New(apperr.ErrCertificateIO, "DB_CA_CERT", errors.New("variable is set but empty"))
		}
		var err error
		trust, err = tlstrust.Load(path)
		return err
	}); err != nil {
		return err
	}
	if trust == nil {
		r.advance(StateTrustSkipped)
	} else {
		r.log.Info("trust store loaded", zap.String("path", trust.Source()), zap.Int("certificates", trust.Len()))
		r.advance(StateTrustBuilt)
	}

	var pool *db.Pool
	if err := r.stage(ctx, StagePool, func(ctx context.Context) error {
		transport, err := db.TransportFor(trust)
		if err != nil {
			return apperr.New(apperr.ErrPoolCreation, "transport", err)
		}
		pool, err = db.NewPool(ctx, settings.PG, transport)
		return err
	}); err != nil {
		return err
	}
	defer pool.Close()
	r.report.Transport = pool.Transport().Mode()
	r.log.Debug("pool created", zap.Stringer("pool", pool))
	r.advance(StatePoolCreated)

	if err := r.stage(ctx, StageQuery, func(ctx context.Context) error {
		res, err := probe.New(r.log, r.deps.Source(pool)).Run(ctx)
		r.report.Result = res
		return err
	}); err != nil {
		return err
	}
	r.advance(StateQueryExecuted)
	return nil
}

// stage runs fn under its own span and records its duration.
func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.deps.Tracer.Start(ctx, "pgprobe."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)
	r.deps.Metrics.Stage(ctx, name, took, err)
	r.report.Steps = append(r.report.Steps, health.Step{Name: name, Duration: took, Err: err})
	logging.Stage(ctx, name).Debug("stage finished", zap.Duration("took", took), zap.Bool("ok", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// transportLabel is "none" until a pool exists.
func (r *run) transportLabel() string {
	for _, s := range r.report.States {
		if s == StatePoolCreated {
			return r.report.Transport.String()
		}
	}
	return "none"
}

func (r *run) advance(s State) {
	r.report.States = append(r.report.States, s)
	r.log.Debug("bootstrap state", zap.String("state", string(s)))
}
