package boot

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pgprobe/internal/db"
	"pgprobe/internal/platform/apperr"
	"pgprobe/internal/platform/metrics"
	"pgprobe/internal/probe"
	"pgprobe/internal/testutil/certgen"
)

func baseEnv(extra ...string) func() []string {
	env := []string{
		"PG__HOST=127.0.0.1",
		"PG__PORT=1",
		"PG__USER=test",
		"PG__PASSWORD=test",
		"PG__DBNAME=test",
	}
	env = append(env, extra...)
	return func() []string { return env }
}

// mockSource answers the probe with a single "test" row and records the
// pool it was handed.
func mockSource(t *testing.T, seen **db.Pool, calls *int) func(*db.Pool) probe.Source {
	t.Helper()
	return func(p *db.Pool) probe.Source {
		return func(context.Context) (probe.Conn, func(), error) {
			*calls++
			*seen = p
			mock, err := pgxmock.NewConn(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
			if err != nil {
				t.Fatalf("pgxmock.NewConn err=%v", err)
			}
			mock.ExpectPrepare(probe.StatementName, probe.Query)
			mock.ExpectQuery(probe.StatementName).
				WillReturnRows(pgxmock.NewRows([]string{"catalog_name"}).AddRow("test"))
			return mock, func() { _ = mock.Close(context.Background()) }, nil
		}
	}
}

func caFile(t *testing.T, data []byte) string {
	t.Helper()
	path, err := certgen.WriteFile(t.TempDir(), "ca.pem", data)
	if err != nil {
		t.Fatalf("WriteFile err=%v", err)
	}
	return path
}

func TestRun_PlainSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var seen *db.Pool
	var calls int

	rep, err := Run(context.Background(), Deps{
		Log:     zap.New(core),
		Environ: baseEnv(),
		Source:  mockSource(t, &seen, &calls),
	})
	if err != nil {
		t.Fatalf("Run err=%v", err)
	}

	want := []State{StateStart, StateConfigResolved, StateTrustSkipped, StatePoolCreated, StateQueryExecuted}
	if !reflect.DeepEqual(rep.States, want) {
		t.Fatalf("States=%v want %v", rep.States, want)
	}
	if rep.Transport != db.ModePlain || seen.Transport().Mode() != db.ModePlain {
		t.Fatalf("transport=%v", rep.Transport)
	}
	if seen.Config().ConnConfig.TLSConfig != nil {
		t.Fatalf("plain run produced a TLS config")
	}
	if len(rep.Result.Rows) != 1 || rep.Result.Rows[0] != "test" {
		t.Fatalf("Rows=%v", rep.Result.Rows)
	}
	if rep.RunID == "" {
		t.Fatalf("missing run id")
	}
	rows := logs.FilterMessage("introspection row").All()
	if len(rows) != 1 || rows[0].ContextMap()["run_id"] != rep.RunID {
		t.Fatalf("row log not tagged with run id: %v", rows)
	}
}

func TestRun_TLSSuccess(t *testing.T) {
	ca, err := certgen.NewCA("db-root")
	if err != nil {
		t.Fatalf("NewCA err=%v", err)
	}
	var seen *db.Pool
	var calls int

	rep, err := Run(context.Background(), Deps{
		Environ: baseEnv("DB_CA_CERT=" + caFile(t, ca.CertPEM)),
		Source:  mockSource(t, &seen, &calls),
	})
	if err != nil {
		t.Fatalf("Run err=%v", err)
	}
	if rep.Final() != StateQueryExecuted || rep.States[2] != StateTrustBuilt {
		t.Fatalf("States=%v", rep.States)
	}
	if rep.Transport != db.ModeTLS {
		t.Fatalf("transport=%v want tls", rep.Transport)
	}
	trust := seen.Transport().Trust()
	if trust.Len() != 1 || trust.Certificates()[0].Subject.CommonName != "db-root" {
		t.Fatalf("unexpected trust store")
	}
	if tc := seen.Config().ConnConfig.TLSConfig; tc == nil || tc.RootCAs == nil {
		t.Fatalf("tls pool without RootCAs")
	}
}

func TestRun_Failures(t *testing.T) {
	garbage := caFile(t, []byte("not a pem bundle"))

	cases := []struct {
		name       string
		env        func() []string
		wantKind   error
		wantStates []State
	}{
		{
			name: "missing host stops before file io",
			env: func() []string {
				// The CA path does not exist; a cert error here would mean
				// trust was built before config was validated.
				return []string{"PG__USER=test", "PG__DBNAME=test", "DB_CA_CERT=/nonexistent/ca.pem"}
			},
			wantKind:   apperr.ErrConfig,
			wantStates: []State{StateStart, StateAborted},
		},
		{
			name:       "missing ca file",
			env:        baseEnv("DB_CA_CERT=/nonexistent/ca.pem"),
			wantKind:   apperr.ErrCertificateIO,
			wantStates: []State{StateStart, StateConfigResolved, StateAborted},
		},
		{
			name:       "empty ca variable",
			env:        baseEnv("DB_CA_CERT="),
			wantKind:   apperr.ErrCertificateIO,
			wantStates: []State{StateStart, StateConfigResolved, StateAborted},
		},
		{
			name:       "blank ca variable",
			env:        baseEnv("DB_CA_CERT=   "),
			wantKind:   apperr.ErrCertificateIO,
			wantStates: []State{StateStart, StateConfigResolved, StateAborted},
		},
		{
			name:       "garbage ca file",
			env:        baseEnv("DB_CA_CERT=" + garbage),
			wantKind:   apperr.ErrCertificateParse,
			wantStates: []State{StateStart, StateConfigResolved, StateAborted},
		},
		{
			name:       "zero pool size",
			env:        baseEnv("PG__POOL__MAX_SIZE=0"),
			wantKind:   apperr.ErrPoolCreation,
			wantStates: []State{StateStart, StateConfigResolved, StateTrustSkipped, StateAborted},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen *db.Pool
			var calls int
			rep, err := Run(context.Background(), Deps{Environ: tc.env, Source: mockSource(t, &seen, &calls)})
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("expected %v, got %v", tc.wantKind, err)
			}
			if !reflect.DeepEqual(rep.States, tc.wantStates) {
				t.Fatalf("States=%v want %v", rep.States, tc.wantStates)
			}
			if calls != 0 {
				t.Fatalf("query must not run, source called %d times", calls)
			}
		})
	}
}

func TestRun_ConnectionFailureAfterPool(t *testing.T) {
	boom := apperr.New(apperr.ErrConnection, "checkout tls", errors.New("x509: certificate signed by unknown authority"))
	rep, err := Run(context.Background(), Deps{
		Environ: baseEnv(),
		Source: func(*db.Pool) probe.Source {
			return func(context.Context) (probe.Conn, func(), error) { return nil, nil, boom }
		},
	})
	if !errors.Is(err, apperr.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	want := []State{StateStart, StateConfigResolved, StateTrustSkipped, StatePoolCreated, StateAborted}
	if !reflect.DeepEqual(rep.States, want) {
		t.Fatalf("States=%v want %v", rep.States, want)
	}
}

func TestReport_Health(t *testing.T) {
	var seen *db.Pool
	var calls int
	rep, err := Run(context.Background(), Deps{Environ: baseEnv(), Source: mockSource(t, &seen, &calls)})
	if err != nil {
		t.Fatalf("Run err=%v", err)
	}
	h := rep.Health(nil)
	if !h.Healthy || len(h.Deps) != 4 {
		t.Fatalf("health=%+v", h)
	}
	if h.Deps[3].Name != StageQuery || h.Attrs["transport"] != "plain" || h.Attrs["rows"] != "1" {
		t.Fatalf("health=%+v", h)
	}

	rep, err = Run(context.Background(), Deps{Environ: baseEnv("PG__POOL__MAX_SIZE=0")})
	if err == nil {
		t.Fatalf("expected error")
	}
	h = rep.Health(err)
	if h.Healthy || len(h.Deps) != 3 || h.Deps[2].Healthy || h.Error == "" {
		t.Fatalf("health=%+v", h)
	}
	if h.Attrs["state"] != string(StateAborted) {
		t.Fatalf("state=%q", h.Attrs["state"])
	}
	if _, ok := h.Attrs["transport"]; ok {
		t.Fatalf("transport reported for aborted run")
	}
}

func TestRun_DefaultSourceHitsNetwork(t *testing.T) {
	// Nothing listens on port 1, so the real checkout fails.
	_, err := Run(context.Background(), Deps{Environ: baseEnv("PG__CONNECT_TIMEOUT=500ms")})
	if !errors.Is(err, apperr.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestRun_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(ctx) }()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()
	pm, err := metrics.NewProbeMetrics(mp)
	if err != nil {
		t.Fatalf("NewProbeMetrics err=%v", err)
	}

	var seen *db.Pool
	var calls int
	if _, err := Run(ctx, Deps{
		Environ: baseEnv(),
		Tracer:  tp.Tracer("test"),
		Metrics: pm,
		Source:  mockSource(t, &seen, &calls),
	}); err != nil {
		t.Fatalf("Run err=%v", err)
	}

	names := map[string]bool{}
	for _, s := range sr.Ended() {
		names[s.Name()] = true
	}
	for _, n := range []string{"pgprobe.run", "pgprobe.config", "pgprobe.trust", "pgprobe.pool", "pgprobe.query"} {
		if !names[n] {
			t.Fatalf("span %q not recorded; got %v", n, names)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect err=%v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	for _, n := range []string{"pgprobe.stage.duration", "pgprobe.probe.runs", "pgprobe.probe.rows"} {
		if !found[n] {
			t.Fatalf("metric %q not recorded; got %v", n, found)
		}
	}
}
