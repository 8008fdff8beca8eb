package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdoors/trustdoors/internal/config"
	"github.com/trustdoors/trustdoors/internal/queue"
	"github.com/trustdoors/trustdoors/pkg/types"
)

func receiverConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "receiver")
	cfg.Receiver.Addr = "127.0.0.1:0"
	return cfg
}

func startReceiver(t *testing.T) *Receiver {
	t.Helper()
	r, err := NewReceiver(receiverConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func TestReceiver_StartStop(t *testing.T) {
	r := startReceiver(t)
	require.NotEmpty(t, r.Addr())

	resp, err := http.Get("http://" + r.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, r.ShutdownManager().IsShuttingDown())

	_, err = http.Get("http://" + r.Addr() + "/health")
	assert.Error(t, err)

	// Stop is idempotent.
	require.NoError(t, r.Stop(context.Background()))
}

func TestReceiver_StartTwice(t *testing.T) {
	r := startReceiver(t)
	assert.Error(t, r.Start(context.Background()))
}

func TestNewReceiver_InvalidConfig(t *testing.T) {
	cfg := receiverConfig(t)
	cfg.Storage.Type = "ftp"
	_, err := NewReceiver(cfg, nil)
	assert.Error(t, err)
}

func TestClient_DeliversToReceiver(t *testing.T) {
	r := startReceiver(t)

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "client")
	cfg.Client.Endpoint = "http://" + r.Addr() + "/v1/log"
	cfg.Client.ParticipantID = "p-app"
	cfg.Client.QueueBackend = queue.BackendFile
	cfg.Client.EnqueueDelay = 10 * time.Millisecond

	c, err := NewClient(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, queue.BackendFile, c.Backend())

	ok := c.Logger().LogTrialRow(context.Background(), types.RawResult{
		"trial_type":   "door_trial",
		"choice":       "left",
		"suggestion":   "left",
		"ground_truth": "right",
		"rt":           512,
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rows, err := r.Sink().Rows(context.Background(), "p-app")
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
