package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/liveloop/internal/runtime/config"
	errspkg "github.com/drblury/liveloop/internal/runtime/errors"
	"github.com/drblury/liveloop/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
	"github.com/drblury/liveloop/internal/runtime/settings"
	transportpkg "github.com/drblury/liveloop/internal/runtime/transport"
	"github.com/drblury/liveloop/internal/runtime/worker"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestService(t *testing.T, mutate func(*configpkg.Config), deps ServiceDependencies) *Service {
	t.Helper()
	cfg := configpkg.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewMemory()
	}
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer, deps.Gatherer = reg, reg
	}
	if deps.Sinks == nil {
		deps.Sinks = testWorkerConfig().Sinks
	}
	svc, err := NewService(context.Background(), &cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startTestService runs svc until the test ends.
func startTestService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case <-time.After(waitFor):
		t.Fatal("control router did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("service did not stop")
		}
	})
}

func TestNewServiceValidations(t *testing.T) {
	ctx := context.Background()
	cfg := configpkg.Default()

	_, err := NewService(ctx, nil, newTestLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(ctx, &cfg, nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	bad := configpkg.Default()
	bad.ControlTopic = ""
	_, err = NewService(ctx, &bad, newTestLogger(), ServiceDependencies{})
	var cve errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cve)
}

func TestNewServiceFailsWhenFactoryFails(t *testing.T) {
	cfg := configpkg.Default()
	boom := errors.New("no broker")
	_, err := NewService(context.Background(), &cfg, newTestLogger(), ServiceDependencies{
		TransportFactory: transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
			return transportpkg.Transport{}, boom
		}),
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewServiceMiddlewareBuilderError(t *testing.T) {
	cfg := configpkg.Default()
	_, err := NewService(context.Background(), &cfg, newTestLogger(), ServiceDependencies{
		Settings: settings.NewMemory(),
		Middlewares: []MiddlewareRegistration{{
			Name:    "bad",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errors.New("boom") },
		}},
	})
	assert.EqualError(t, err, "failed to register middleware bad: boom")

	_, err = NewService(context.Background(), &cfg, newTestLogger(), ServiceDependencies{
		Settings:    settings.NewMemory(),
		Middlewares: []MiddlewareRegistration{{}},
	})
	assert.ErrorContains(t, err, "anonymous_middleware")
}

func TestNewServiceWiresCollaborators(t *testing.T) {
	var started int
	svc := newTestService(t, nil, ServiceDependencies{
		Hooks: WorkerHooks{OnWorkerStart: func(WorkerContext) { started++ }},
	})

	assert.NotNil(t, svc.Registry())
	assert.NotNil(t, svc.Publisher())
	assert.NotNil(t, svc.Metrics())
	assert.NotNil(t, svc.CommandStats())
	assert.NotNil(t, svc.events, "events topic is set by default")
	assert.Equal(t, "channel", svc.Capabilities().Name)
	assert.True(t, svc.Capabilities().InProcess)
}

func TestNewServiceWithoutEvents(t *testing.T) {
	svc := newTestService(t, func(c *configpkg.Config) { c.EventsTopic = "" }, ServiceDependencies{})
	assert.Nil(t, svc.events)
	assert.Nil(t, svc.Status().Events)
}

func TestServiceControlBus(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	events, err := svc.subscriber.Subscribe(context.Background(), svc.Conf.EventsTopic)
	require.NoError(t, err)
	startTestService(t, svc)

	reg := svc.Registry()
	inst := newFakeInstance(0, soundSource)
	require.True(t, reg.AddInstance(inst, false))
	assert.Equal(t, int(worker.ScriptedSound), reg.GetSetting(0, settings.KeyUseCompiler, nil),
		"the default compiler is stored for new instances")

	require.NoError(t, svc.SendCommand(Command{Action: ActionRun, Instance: 0}))
	eventually(t, func() bool { return reg.HasWorker(0) }, "run command did not start a worker")

	select {
	case msg := <-events:
		msg.Ack()
		var ev Event
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, EventWorkerStarted, ev.Type)
		assert.Equal(t, 0, ev.Instance)
	case <-time.After(waitFor):
		t.Fatal("no lifecycle event")
	}

	require.NoError(t, svc.SendCommand(Command{Action: ActionStop, Instance: 0}))
	eventually(t, func() bool { return !reg.HasWorker(0) }, "stop command did not terminate the worker")
	eventually(t, func() bool { return inst.stops() == 1 }, "instance not told that code stopped")
	eventually(t, func() bool { return svc.CommandStats().Snapshot().Processed == 2 }, "commands not counted")
}

func TestServicePoisonsInvalidCommands(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	poisoned, err := svc.subscriber.Subscribe(context.Background(), svc.Conf.PoisonTopic)
	require.NoError(t, err)
	startTestService(t, svc)

	require.NoError(t, svc.SendCommand(Command{Action: ActionRun, Instance: 42}))

	select {
	case msg := <-poisoned:
		msg.Ack()
		cmd, err := DecodeCommand(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, 42, cmd.Instance)
	case <-time.After(waitFor):
		t.Fatal("command for unknown instance was not poisoned")
	}
	eventually(t, func() bool {
		return svc.CommandStats().Snapshot().Errors.UnknownInstance == 1
	}, "failure not classified")
}

func TestServiceStartReturnsWhenContextCancelled(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	reg := svc.Registry()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	<-svc.Running()

	inst := newFakeInstance(0, soundSource)
	require.True(t, reg.AddInstance(inst, false))
	require.NoError(t, reg.DispatchRun(context.Background(), 0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	<-reg.Done()
	assert.ErrorIs(t, reg.DispatchRun(context.Background(), 0), errspkg.ErrRegistryClosed)
}

func TestServiceStartUsesRouterRun(t *testing.T) {
	orig := routerRun
	t.Cleanup(func() { routerRun = orig })
	boom := errors.New("router failed")
	routerRun = func(context.Context, *message.Router) error { return boom }

	svc := newTestService(t, nil, ServiceDependencies{})
	assert.ErrorIs(t, svc.Start(context.Background()), boom)
	<-svc.Registry().Done()
}

func TestOpenOutput(t *testing.T) {
	svc := &Service{}

	w, err := svc.openOutput("")
	require.NoError(t, err)
	assert.Equal(t, io.Discard, w)

	w, err = svc.openOutput("-")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)

	path := filepath.Join(t.TempDir(), "audio.pcm")
	w, err = svc.openOutput(path)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	_, err = svc.openOutput(filepath.Join(t.TempDir(), "missing", "x.pcm"))
	assert.Error(t, err)
}

func TestWorkerConfigFromConfig(t *testing.T) {
	svc := newTestService(t, func(c *configpkg.Config) {
		c.SampleRate = 22050
		c.FrameRate = 12
		c.SwapTimeout = time.Second
	}, ServiceDependencies{AudioOutput: io.Discard, FrameOutput: io.Discard})

	cfg, err := svc.workerConfig(ServiceDependencies{})
	require.NoError(t, err)
	assert.Equal(t, 22050, cfg.SampleRate)
	assert.Equal(t, 12, cfg.FrameRate)
	assert.Equal(t, time.Second, cfg.SwapTimeout)
	assert.NotNil(t, cfg.Print)
	assert.Equal(t, io.Discard, cfg.AudioOutput)
}
