package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonglijing/xunjiHub/internal/models"
	"github.com/gonglijing/xunjiHub/internal/state"
)

type recorder struct {
	mu       sync.Mutex
	steps    []string
	storeErr error
	events   int
	onlines  []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) SaveTelemetry(_ context.Context, t *models.Telemetry) error {
	r.add("store:" + t.DeviceID)
	return r.storeErr
}

func (r *recorder) Evaluate(_ context.Context, t *models.Telemetry) []*models.AlarmEvent {
	r.add("evaluate:" + t.DeviceID)
	out := make([]*models.AlarmEvent, r.events)
	for i := range out {
		out[i] = &models.AlarmEvent{Type: models.EventTriggered}
	}
	return out
}

func (r *recorder) OnDeviceOnline(_ context.Context, deviceID string) {
	r.mu.Lock()
	r.onlines = append(r.onlines, deviceID)
	r.mu.Unlock()
	r.add("online:" + deviceID)
}

func newReachability(t *testing.T) *state.Reachability {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return state.NewReachability(client, "test", 5*time.Minute)
}

func telemetry(deviceID string, at time.Time) *models.Telemetry {
	t := models.NewTelemetry(&models.Device{ID: deviceID}, models.ProtocolMQTT, nil,
		map[string]interface{}{models.FieldTemperature: 21.0}, nil)
	t.ReceivedAt = at
	return t
}

func TestIngest_StepOrderAndOnlineTransition(t *testing.T) {
	rec := &recorder{events: 1}
	reach := newReachability(t)
	ing := New(rec, reach, rec, rec)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ing.Ingest(ctx, telemetry("dev-1", now)))
	assert.Equal(t, []string{"store:dev-1", "online:dev-1", "evaluate:dev-1"}, rec.steps)

	// 窗口内再次上报不算上线
	require.NoError(t, ing.Ingest(ctx, telemetry("dev-1", now.Add(time.Second))))
	assert.Equal(t, []string{"dev-1"}, rec.onlines)

	stats := ing.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Onlines)
	assert.Equal(t, uint64(2), stats.Events)
}

func TestIngest_StaleLastSeenCountsAsOnline(t *testing.T) {
	rec := &recorder{}
	reach := newReachability(t)
	ctx := context.Background()
	_, _, err := reach.MarkSeen(ctx, "dev-2", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	ing := New(rec, reach, rec, rec)
	require.NoError(t, ing.Ingest(ctx, telemetry("dev-2", time.Now())))
	assert.Equal(t, []string{"dev-2"}, rec.onlines)
}

func TestIngest_StoreFailureDoesNotStopPipeline(t *testing.T) {
	rec := &recorder{storeErr: errors.New("disk full")}
	ing := New(rec, newReachability(t), rec, rec)

	require.NoError(t, ing.Ingest(context.Background(), telemetry("dev-3", time.Now())))
	assert.Contains(t, rec.steps, "evaluate:dev-3")
	assert.Contains(t, rec.onlines, "dev-3")
	assert.Equal(t, uint64(1), ing.Stats().StoreErrors)
}

func TestIngest_RejectsAnonymousTelemetry(t *testing.T) {
	ing := New(nil, nil, nil, nil)
	assert.ErrorIs(t, ing.Ingest(context.Background(), nil), ErrInvalidTelemetry)
	assert.ErrorIs(t, ing.Ingest(context.Background(), &models.Telemetry{}), ErrInvalidTelemetry)
	assert.NoError(t, ing.Ingest(context.Background(), telemetry("dev-4", time.Now())))
}
