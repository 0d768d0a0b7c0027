package micro

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pestras/micro/pkg/cluster"
	"github.com/pestras/micro/pkg/config"
	"github.com/pestras/micro/pkg/health"
	"github.com/pestras/micro/pkg/lifecycle"
	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
)

type exitRecorder struct {
	mutex sync.Mutex
	codes []int
}

func (e *exitRecorder) OnExit(code int, sig os.Signal) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.codes = append(e.codes, code)
}

type stubHandle struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (h *stubHandle) Pid() int                                            { return h.pid }
func (h *stubHandle) Send(ctx context.Context, env router.Envelope) error { return nil }
func (h *stubHandle) Inbound() <-chan router.Envelope                     { return nil }
func (h *stubHandle) Kill() error                                         { return h.Terminate() }
func (h *stubHandle) Done() <-chan struct{}                               { return h.done }
func (h *stubHandle) Err() error                                          { return nil }

func (h *stubHandle) Terminate() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(cluster.WorkerIDEnv, "")
	cfg := config.Default()
	cfg.HealthCheckDir = t.TempDir()
	return cfg
}

func TestResolveRole(t *testing.T) {
	cfg := testConfig(t)

	role, id := ResolveRole(cfg)
	assert.Equal(t, RoleSingle, role)
	assert.Equal(t, 0, id)

	cfg.Workers = -1
	role, _ = ResolveRole(cfg)
	assert.Equal(t, RoleSupervisor, role)

	t.Setenv(cluster.WorkerIDEnv, "2")
	role, id = ResolveRole(cfg)
	assert.Equal(t, RoleWorker, role)
	assert.Equal(t, 2, id)
}

func TestRun_SingleProcessStdinExit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stdin = true

	service := &exitRecorder{}
	code := Run(context.Background(), cfg, Service{
		Main:    service,
		Options: []lifecycle.Option{lifecycle.WithStdin(strings.NewReader("exit\n"))},
	}, WithLogger(logging.NewNopLogger()))

	assert.Equal(t, 0, code)
	assert.Equal(t, []int{0}, service.codes)
}

func TestRun_ContextCancelled(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := Run(ctx, cfg, Service{Main: &exitRecorder{}}, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 0, code)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "verbose"

	code := Run(context.Background(), cfg, Service{Main: &exitRecorder{}}, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 1, code)
}

func TestRun_NilService(t *testing.T) {
	cfg := testConfig(t)

	code := Run(context.Background(), cfg, Service{}, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 1, code)
}

func TestRun_SupervisorStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	cfg.ShutdownTimeout = 50 * time.Millisecond

	var mutex sync.Mutex
	var handles []*stubHandle
	spawn := func(ctx context.Context, id int) (cluster.Handle, error) {
		mutex.Lock()
		defer mutex.Unlock()
		h := &stubHandle{pid: 100 + id, done: make(chan struct{})}
		handles = append(handles, h)
		return h, nil
	}

	signals := make(chan os.Signal, 1)
	result := make(chan int, 1)
	go func() {
		result <- Run(context.Background(), cfg, Service{Main: &exitRecorder{}},
			WithLogger(logging.NewNopLogger()), WithSpawner(spawn), WithSignals(signals))
	}()

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(handles) == 2
	}, time.Second, time.Millisecond)

	signals <- syscall.SIGTERM

	select {
	case code := <-result:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	mutex.Lock()
	defer mutex.Unlock()
	for _, h := range handles {
		select {
		case <-h.done:
		default:
			t.Errorf("worker %d was not terminated", h.pid)
		}
	}
}

func TestGRPCHealthEndpoint(t *testing.T) {
	endpoint, err := startGRPCHealth("127.0.0.1:0", logging.NewNopLogger())
	require.NoError(t, err)
	defer endpoint.Stop()

	conn, err := grpc.Dial(endpoint.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, response.Status)

	require.NoError(t, endpoint.sink.Write(ctx, health.Snapshot{Healthy: true, Ready: false, Live: true}))

	response, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: health.FieldHealthy})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, response.Status)

	response, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: health.FieldReady})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, response.Status)
}

func TestRun_GRPCHealthAddressInUse(t *testing.T) {
	endpoint, err := startGRPCHealth("127.0.0.1:0", logging.NewNopLogger())
	require.NoError(t, err)
	defer endpoint.Stop()

	cfg := testConfig(t)
	cfg.GRPCHealthAddress = endpoint.Addr().String()

	code := Run(context.Background(), cfg, Service{Main: &exitRecorder{}}, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 1, code)
}
