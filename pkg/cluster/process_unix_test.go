//go:build !windows

package cluster

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestras/micro/pkg/logging"
	"github.com/pestras/micro/pkg/router"
)

const echoWorkerEnv = "CLUSTER_TEST_ECHO_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(echoWorkerEnv) == "1" {
		runEchoWorker()
		return
	}
	os.Exit(m.Run())
}

// runEchoWorker answers every envelope from the supervisor with echo-<id>
func runEchoWorker() {
	id, ok := WorkerID()
	if !ok {
		os.Exit(2)
	}
	link, err := OpenParentLink(logging.NewNopLogger())
	if err != nil {
		os.Exit(3)
	}
	for env := range link.Inbound() {
		env.Message = fmt.Sprintf("echo-%d", id)
		if err := link.Send(context.Background(), env); err != nil {
			os.Exit(4)
		}
	}
	os.Exit(0)
}

func TestExecSpawner_PipesAndTermination(t *testing.T) {
	spawn := NewExecSpawner(ExecConfig{
		ExecutablePath: os.Args[0],
		Args:           []string{"-test.run=^$"},
		Environment:    []string{echoWorkerEnv + "=1"},
	}, logging.NewNopLogger())

	handle, err := spawn(context.Background(), 2)
	require.NoError(t, err)
	assert.Greater(t, handle.Pid(), 0)

	require.NoError(t, handle.Send(context.Background(), router.Envelope{Message: "ping", Target: router.TargetAll}))

	select {
	case env := <-handle.Inbound():
		assert.Equal(t, "echo-2", env.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not answer")
	}

	require.NoError(t, handle.Terminate())
	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		_ = handle.Kill()
		t.Fatal("worker did not exit after SIGTERM")
	}
}

func TestExecSpawner_MissingExecutable(t *testing.T) {
	spawn := NewExecSpawner(ExecConfig{ExecutablePath: "/nonexistent/worker"}, logging.NewNopLogger())

	_, err := spawn(context.Background(), 1)
	assert.Error(t, err)
}
