package sdk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	busmem "github.com/telefold/telefold/pkg/bus/memory"
	"github.com/telefold/telefold/pkg/telemetry"
)

func TestNew_RequiresIdentity(t *testing.T) {
	b := busmem.New()
	defer b.Close()

	if _, err := New(b, ClientConfig{DeviceID: "dev-1"}); err == nil {
		t.Error("expected error for missing tenant_id")
	}
	if _, err := New(b, ClientConfig{TenantID: "acme"}); err == nil {
		t.Error("expected error for missing device_id")
	}
}

func TestClient_PublishesOnRawSubject(t *testing.T) {
	b := busmem.New()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sensor.raw.>", "ingest")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	client, err := New(b, ClientConfig{
		TenantID:   "acme",
		DeviceID:   "dev-1",
		DeviceType: "hvac",
		FlushEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Stop()

	at := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)
	client.Record("s-1", "temp", 21.5, at, map[string]string{"floor": "3"})
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := sub.Fetch(fetchCtx, 10)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Subject != "sensor.raw.acme.hvac.dev-1" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}

	var r telemetry.SensorReading
	if err := json.Unmarshal(msgs[0].Data, &r); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if r.TenantID != "acme" || r.DeviceID != "dev-1" || r.SensorID != "s-1" {
		t.Errorf("identity not stamped: %+v", r)
	}
	if r.Value != 21.5 || !r.ObservedAt.Equal(at) || r.Tags["floor"] != "3" {
		t.Errorf("reading = %+v", r)
	}
}

func TestClient_FillsZeroObservedAt(t *testing.T) {
	b := busmem.New()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "sensor.raw.>", "ingest")

	client, err := New(b, ClientConfig{TenantID: "acme", DeviceID: "dev-1", FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Stop()

	before := time.Now().UTC()
	client.Record("s-1", "temp", 1.0, time.Time{}, nil)
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := sub.Fetch(fetchCtx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Fetch: %v %v", msgs, err)
	}

	var r telemetry.SensorReading
	json.Unmarshal(msgs[0].Data, &r)
	if r.ObservedAt.Before(before) || r.ObservedAt.After(time.Now().UTC()) {
		t.Errorf("observed_at not filled: %v", r.ObservedAt)
	}
}

func TestClient_StopFlushesPending(t *testing.T) {
	b := busmem.New()
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "sensor.raw.>", "ingest")

	client, err := New(b, ClientConfig{TenantID: "acme", DeviceID: "dev-1", FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.Record("s-1", "temp", 1.0, time.Now().UTC(), nil)
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	n, _ := sub.Pending(ctx)
	if n != 1 {
		t.Errorf("pending on bus = %d, want 1", n)
	}

	// Stop twice is a no-op.
	if err := client.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
