package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shiftflow/pkg/access"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/background"
	"shiftflow/pkg/config"
	"shiftflow/pkg/httpx"
	"shiftflow/pkg/metrics"
	"shiftflow/pkg/objectstore"
	"shiftflow/pkg/statebus"
	"shiftflow/pkg/store"
	"shiftflow/pkg/telemetry"
)

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 1 {
		if p, ok := dest[0].(*int); ok {
			*p = 1
		}
	}
	return nil
}

type fakeDB struct {
	pingErr error
	closed  bool
}

func (d *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported")
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return fakeRow{err: d.pingErr} }

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("begin not supported")
}

func (d *fakeDB) Close() { d.closed = true }

func noTelemetry(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func openFake(db *fakeDB) gatewayOpenDBFunc {
	return func(context.Context, store.PostgresOptions) (gatewayDB, error) { return db, nil }
}

func noRedis(context.Context, store.RedisOptions) (*redis.Client, error) {
	return nil, errors.New("redis disabled in tests")
}

func gatewayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("OAUTH_CLIENT_ID", "client-123")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OAUTH_REDIRECT_URL", "")
}

func TestRunGatewayServesHealthAndAPI(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	db := &fakeDB{}
	var checked bool
	listen := func(server *http.Server) error {
		checked = true
		cases := map[string]struct {
			path   string
			status int
		}{
			"health":      {"/healthz", http.StatusOK},
			"ready":       {"/readyz", http.StatusOK},
			"api":         {"/api/session", http.StatusUnauthorized},
			"metrics":     {"/metrics", http.StatusUnauthorized},
			"login":       {"/auth/login", http.StatusNotImplemented},
			"no fallback": {"/api/", http.StatusNotImplemented},
		}
		for name, tc := range cases {
			rr := httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rr.Code != tc.status {
				t.Errorf("%s: expected %d, got %d: %s", name, tc.status, rr.Code, rr.Body.String())
			}
		}
		rr := httptest.NewRecorder()
		server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/session", nil))
		if rr.Header().Get(httpx.HeaderRequestID) == "" || rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("missing request id or security headers: %v", rr.Header())
		}
		return http.ErrServerClosed
	}
	if err := runGateway(context.Background(), nil, noTelemetry, openFake(db), noRedis, listen); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if !checked || !db.closed {
		t.Fatalf("expected listen to run and the pool to close: checked=%v closed=%v", checked, db.closed)
	}
}

func TestRunGatewayStartupFailures(t *testing.T) {
	listenOK := func(*http.Server) error { return nil }
	cases := map[string]struct {
		env       map[string]string
		telemetry gatewayInitTelemetryFunc
		openDB    gatewayOpenDBFunc
		listen    gatewayListenFunc
		want      string
	}{
		"config": {
			env:  map[string]string{"AUTH_MODE": "basic"},
			want: "config:",
		},
		"hardening": {
			env:  map[string]string{"APP_ENV": "production"},
			want: "DATABASE",
		},
		"telemetry": {
			telemetry: func(context.Context, telemetry.Options, *zap.Logger) (func(context.Context) error, error) {
				return nil, errors.New("collector down")
			},
			want: "otel:",
		},
		"db": {
			openDB: func(context.Context, store.PostgresOptions) (gatewayDB, error) { return nil, errors.New("refused") },
			want:   "db:",
		},
		"verifier": {
			env:  map[string]string{"OAUTH_CLIENT_ID": ""},
			want: "verifier:",
		},
		"listen": {
			listen: func(*http.Server) error { return errors.New("address in use") },
			want:   "address in use",
		},
		"no listener": {
			listen: nil,
			want:   "listen function required",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gatewayEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			initTelemetry := tc.telemetry
			if initTelemetry == nil {
				initTelemetry = noTelemetry
			}
			openDB := tc.openDB
			if openDB == nil {
				openDB = openFake(&fakeDB{})
			}
			listen := tc.listen
			if listen == nil && name != "no listener" {
				listen = listenOK
			}
			err := runGateway(context.Background(), nil, initTelemetry, openDB, noRedis, listen)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRunGatewayShutsDownOnCancel(t *testing.T) {
	gatewayEnv(t)
	t.Setenv("ADDR", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	listen := func(server *http.Server) error {
		close(started)
		return server.ListenAndServe()
	}
	done := make(chan error, 1)
	go func() { done <- runGateway(ctx, nil, noTelemetry, openFake(&fakeDB{}), noRedis, listen) }()
	<-started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestMainCallsLogFatalfOnError(t *testing.T) {
	gatewayEnv(t)
	origArgs, origFatal, origTelemetry, origDB, origRedis, origListen := os.Args, logFatalf, initTelemetryG, openDBFnG, openRedisFnG, listenFnG
	defer func() {
		os.Args, logFatalf, initTelemetryG, openDBFnG, openRedisFnG, listenFnG = origArgs, origFatal, origTelemetry, origDB, origRedis, origListen
	}()
	os.Args = []string{"gateway", "--addr", "127.0.0.1:0"}
	initTelemetryG = noTelemetry
	openDBFnG = openFake(&fakeDB{})
	openRedisFnG = noRedis

	var fatal string
	logFatalf = func(format string, args ...any) { fatal = format }
	listenFnG = func(server *http.Server) error {
		if server.Addr != "127.0.0.1:0" {
			t.Errorf("addr flag not applied: %q", server.Addr)
		}
		return nil
	}
	main()
	if fatal != "" {
		t.Fatalf("logFatalf should not be called on success, got %q", fatal)
	}

	listenFnG = func(*http.Server) error { return errors.New("boom") }
	main()
	if fatal == "" {
		t.Fatal("logFatalf should be called on error")
	}
}

type stubVerifier map[string]auth.Claims

func (v stubVerifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	c, ok := v[token]
	if !ok {
		return auth.Claims{}, &auth.VerificationError{Reason: "signature invalid"}
	}
	return c, nil
}

type stubResolver map[string]access.Context

func (r stubResolver) Resolve(_ context.Context, c auth.Claims) access.Context { return r[c.Email] }

func (r stubResolver) Purge() {}

func TestRequireAdmin(t *testing.T) {
	verifier := stubVerifier{
		"admin":  {Email: "admin@example.com", EmailVerified: true},
		"member": {Email: "member@example.com", EmailVerified: true},
		"down":   {Email: "down@example.com", EmailVerified: true},
		"unver":  {Email: "admin@example.com"},
	}
	resolver := stubResolver{
		"admin@example.com":  {Allowed: true, Role: access.RoleAdmin, Status: access.StatusActive},
		"member@example.com": {Allowed: true, Role: access.RoleMember, Status: access.StatusActive},
		"down@example.com":   {Source: access.SourceFallback},
	}
	h := requireAdmin(verifier, resolver)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	cases := map[string]struct {
		token  string
		status int
		code   string
	}{
		"missing":    {"", http.StatusUnauthorized, "missing_credentials"},
		"invalid":    {"forged", http.StatusUnauthorized, "token_verification_failed"},
		"unverified": {"unver", http.StatusForbidden, "email_unverified"},
		"member":     {"member", http.StatusForbidden, "role_forbidden"},
		"store down": {"down", http.StatusInternalServerError, "store_unavailable"},
		"admin":      {"admin", http.StatusTeapot, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if tc.code == "" {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["code"] != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, rr.Body.String())
			}
		})
	}
}

type sizer int

func (s sizer) Len() int { return int(s) }

func TestUpdateGauges(t *testing.T) {
	registry := metrics.NewRegistry()
	executor := background.New(zap.NewNop(), 2, time.Second)
	executor.Go(context.Background(), "fail", func(context.Context) error { return errors.New("x") })
	executor.Wait()
	updateGauges(registry, executor, sizer(7))
	gauges := registry.Snapshot().Gauges
	if gauges["access_cache_entries"] != 7 || gauges["background_started"] != 1 || gauges["background_failed"] != 1 {
		t.Fatalf("unexpected gauges %#v", gauges)
	}
}

func TestReadyHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	readyHandler(pingFunc(func(context.Context) error { return errors.New("down") }))(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestOpenObjectStore(t *testing.T) {
	mem, err := openObjectStore(context.Background(), config.Config{ObjectStore: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := mem.(*objectstore.Memory); !ok {
		t.Fatalf("expected memory store, got %T", mem)
	}
	fs, err := openObjectStore(context.Background(), config.Config{ObjectStore: "fs", ObjectStoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if _, ok := fs.(*objectstore.FS); !ok {
		t.Fatalf("expected fs store, got %T", fs)
	}
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions(config.Config{Env: "production", RedisAddr: "cache:6379", RedisTLS: true, RedisRequireTLS: true})
	if opts.TLS.AllowInsecure || !opts.TLS.Enabled || !opts.RequireTLS || opts.Addr != "cache:6379" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if !redisOptions(config.Config{Env: "development"}).TLS.AllowInsecure {
		t.Fatal("development may allow insecure redis tls")
	}
}

func TestOpenStateBus(t *testing.T) {
	pub, sub, err := openStateBus(config.Config{}, "replica-a")
	if err != nil || pub != nil || sub != nil {
		t.Fatalf("expected no bus without brokers, got %v %v %v", pub, sub, err)
	}
	pub, sub, err = openStateBus(config.Config{KafkaBrokers: []string{"127.0.0.1:9092"}, KafkaStateBusTopic: "shiftflow.statebus"}, "replica-a")
	if err != nil {
		t.Fatalf("openStateBus: %v", err)
	}
	if pub == nil || sub == nil {
		t.Fatal("expected both halves with brokers configured")
	}
	_ = sub.Close()
	_ = pub.Close()
	if _, _, err := openStateBus(config.Config{KafkaBrokers: []string{"127.0.0.1:9092"}}, "replica-a"); err == nil {
		t.Fatal("expected error without a topic")
	}
}

type countingPurger struct{ n int }

func (c *countingPurger) Purge() { c.n++ }

func TestPurgeOnChange(t *testing.T) {
	p := &countingPurger{}
	handle := purgeOnChange(p, zap.NewNop())
	handle(statebus.Event{Kind: statebus.KindMembershipChanged, Origin: "replica-b"})
	handle(statebus.Event{Kind: statebus.KindMembershipChanged, Origin: "replica-c"})
	if p.n != 2 {
		t.Fatalf("expected two purges, got %d", p.n)
	}
}
