package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/model"
)

func changeEvent(notify bool) events.ChangeCreated {
	return events.ChangeCreated{
		Change:      model.Change{ID: 1, VariableID: 2, DatasetID: 3, Timestamp: time.Unix(1717200000, 0).UTC()},
		TestID:      9,
		Variable:    "Throughput",
		Fingerprint: `{"arch":"x86"}`,
		Model:       "relativeDifference",
		Notify:      notify,
	}
}

func TestAlerter_Evaluate_Change(t *testing.T) {
	a := NewAlerter(Config{})

	alerts := a.Evaluate(changeEvent(true))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertChangeDetected, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "Throughput")
	assert.Equal(t, int64(3), alerts[0].Details["dataset_id"])

	assert.Empty(t, a.Evaluate(changeEvent(false)), "silent changes raise nothing")
}

func TestAlerter_Evaluate_MissingValues(t *testing.T) {
	ev := events.MissingValues{DatasetID: 4, RunID: 1, TestID: 9, Variables: []string{"a", "b"}}

	assert.Empty(t, NewAlerter(Config{}).Evaluate(ev))

	alerts := NewAlerter(Config{MissingValues: true}).Evaluate(ev)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMissingValues, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 variable(s)")
}

func TestAlerter_Evaluate_OtherEvents(t *testing.T) {
	assert.Empty(t, NewAlerter(Config{}).Evaluate(events.DatasetCreated{DatasetID: 1}))
}

func TestAlerter_SendAlerts(t *testing.T) {
	var got []Alert
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	n := a.SendAlerts(context.Background(), a.Evaluate(changeEvent(true)))
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, AlertChangeDetected, got[0].Type)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(Config{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertChangeDetected}}))
}

func TestAlerter_SendAlerts_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertChangeDetected}}))
}

func TestAlerter_HandlerDeliversInBackground(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	a.Start(context.Background())

	bus := events.NewLocal()
	bus.Subscribe(a.Handler())
	bus.Publish(context.Background(), changeEvent(true))
	bus.Publish(context.Background(), changeEvent(false))
	bus.Publish(context.Background(), changeEvent(true))

	a.Close()
	assert.Equal(t, int32(2), calls.Load())

	// publishing after Close is a no-op
	bus.Publish(context.Background(), changeEvent(true))
	a.Close()
}

func TestAlerter_QueueFullDrops(t *testing.T) {
	a := NewAlerter(Config{WebhookURL: "http://127.0.0.1:0", QueueSize: 1})
	h := a.Handler()
	h(context.Background(), changeEvent(true))
	h(context.Background(), changeEvent(true))
	assert.Len(t, a.queue, 1)
	a.Close()
}
