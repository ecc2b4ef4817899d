package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/metric"
	"github.com/c360/concur/pkg/retry"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.GetConnection())

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewClient_Options(t *testing.T) {
	changes := make(chan bool, 2)
	client, err := NewClient("nats://localhost:4222",
		WithPingInterval(10*time.Second),
		WithDrainTimeout(0),
		WithReconnectWait(-time.Second),
		WithHealthChangeCallback(func(healthy bool) { changes <- healthy }),
	)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, client.pingInterval)
	assert.Equal(t, 30*time.Second, client.drainTimeout, "zero keeps the default")
	assert.Equal(t, 2*time.Second, client.reconnectWait, "negative keeps the default")

	client.handleDisconnect(nil, nil)
	select {
	case healthy := <-changes:
		assert.False(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("health callback not called on disconnect")
	}
	assert.Equal(t, StatusReconnecting, client.Status())
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	_, err = client.CreateKeyValueBucket(context.Background(), jetstreamConfig("x"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_ResetAndBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(2), WithMaxBackoff(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Backoff())

	client.recordFailure()
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 10; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff(), "backoff caps at max")

	client.resetCircuit()
	assert.Zero(t, client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.CreateKeyValueBucket(ctx, jetstreamConfig("entities"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.GetKeyValueBucket(ctx, "entities")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.DeleteKeyValueBucket(ctx, "entities"), ErrNotConnected)
	_, err = client.ListKeyValueBuckets(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConnectCancelled(t *testing.T) {
	client, err := NewClient("nats://10.255.255.1:4222", WithTimeout(time.Second), WithHealthInterval(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
	assert.False(t, client.IsHealthy())
}

func TestClient_ConnectWithRetryStopsOnOpenCircuit(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)
	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	cfg := retry.Config{MaxAttempts: 5, Policy: retry.Policy{BaseDelay: time.Millisecond, Multiplier: 1}}
	err = client.ConnectWithRetry(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_StatusMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))

	client.setStatus(StatusReconnecting)
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.True(t, IsKVConflictError(errors.New("err_code=10071")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
	assert.False(t, IsKVConflictError(nil))
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.True(t, isAlreadyExistsError(errors.New("stream name already in use")))
	assert.False(t, isAlreadyExistsError(errors.New("no responders")))
	assert.False(t, isAlreadyExistsError(nil))
}

func jetstreamConfig(name string) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{Bucket: name}
}
