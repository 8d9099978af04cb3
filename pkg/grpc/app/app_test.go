package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"

	"github.com/code-payments/code-coordinator/pkg/correlation/tracking"
)

func TestClientDialOptions(t *testing.T) {
	tracker := tracking.NewInterceptor(tracking.NewLoggingStrategy())
	assert.Len(t, ClientDialOptions(tracker), 2)
}

func TestDefaultServerInterceptors(t *testing.T) {
	tracker := tracking.NewInterceptor(tracking.NewLoggingStrategy())

	unary, stream := defaultServerInterceptors(ServerConfig{}, tracker, nil)
	assert.Len(t, unary, 2)
	assert.Len(t, stream, 2)

	unary, stream = defaultServerInterceptors(ServerConfig{EnableMaintenanceMode: true}, tracker, nil)
	assert.Len(t, unary, 3)
	assert.Len(t, stream, 3)
}

func TestStartRestartCron(t *testing.T) {
	ch, err := startRestartCron(RuntimeConfig{})
	require.NoError(t, err)
	assert.Nil(t, ch)

	_, err = startRestartCron(RuntimeConfig{EnableRestartCron: true, RestartCronSchedule: "not a schedule"})
	assert.Error(t, err)

	ch, err = startRestartCron(RuntimeConfig{EnableRestartCron: true, RestartCronSchedule: "@every 10ms"})
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("restart cron never fired")
	}
}

func TestNewBallast(t *testing.T) {
	assert.Nil(t, newBallast(RuntimeConfig{}))
	assert.Nil(t, newBallast(RuntimeConfig{EnableBallast: true}))
}

func TestListen_Insecure(t *testing.T) {
	secure, insecure, creds, err := listen(ServerConfig{InsecureListenAddress: "localhost:0"})
	require.NoError(t, err)
	defer insecure.Close()

	assert.Nil(t, secure)
	assert.Nil(t, creds)
}

func TestListen_MissingCertificate(t *testing.T) {
	_, _, _, err := listen(ServerConfig{
		InsecureListenAddress: "localhost:0",
		ListenAddress:         "localhost:0",
		TLSCertificate:        "/does/not/exist.pem",
		TLSKey:                "/does/not/exist.key",
	})
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	hs := health.NewServer()

	var o opts
	for _, opt := range []Option{
		WithUnaryServerInterceptor(nil),
		WithStreamServerInterceptor(nil),
		WithHealthServer(hs),
	} {
		opt(&o)
	}

	assert.Len(t, o.unaryServerInterceptors, 1)
	assert.Len(t, o.streamServerInterceptors, 1)
	assert.Same(t, hs, o.healthServer)
}
