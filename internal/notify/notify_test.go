package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

type captureBackend struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (c *captureBackend) Name() string { return "capture" }

func (c *captureBackend) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureBackend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testEvent() (*metadata.Vault, *metadata.SyncEvent) {
	vault := &metadata.Vault{ID: 3, Name: "v1"}
	event := &metadata.SyncEvent{
		VaultID:      3,
		RunUUID:      "run-1",
		Status:       metadata.StatusSuccess,
		Trigger:      metadata.TriggerSchedule,
		NumOpsTotal:  4,
		NumFailedOps: 1,
		BytesUp:      100,
		BytesDown:    50,
	}
	return vault, event
}

func TestSyncFinished_PublishesToBackends(t *testing.T) {
	log := logging.NewRegistry("info", nil).Get(logging.Sync)
	d := NewDispatcher(config.Defaults().Notifications, log)
	backend := &captureBackend{}
	d.AddBackend(backend)

	vault, event := testEvent()
	d.SyncFinished(vault, event)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(backend.payloads))
	}

	var record SyncEventRecord
	if err := json.Unmarshal(backend.payloads[0], &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record.Vault != "v1" || record.RunUUID != "run-1" || record.OpsTotal != 4 {
		t.Errorf("record = %+v", record)
	}
	if record.Status != "success" || record.Trigger != "schedule" {
		t.Errorf("record status/trigger = %s/%s", record.Status, record.Trigger)
	}
}

func TestSyncFinished_DeliversWebhook(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		received <- buf[:n]
		w.WriteHeader(200)
	}))
	defer srv.Close()

	cfg := config.Defaults().Notifications
	cfg.WebhookURL = srv.URL
	log := logging.NewRegistry("info", nil).Get(logging.Sync)
	d := NewDispatcher(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	vault, event := testEvent()
	d.SyncFinished(vault, event)

	select {
	case payload := <-received:
		var record SyncEventRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			t.Fatalf("webhook payload: %v", err)
		}
		if record.VaultID != 3 {
			t.Errorf("record = %+v", record)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestElasticsearchBackend_Publish(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Path
		w.WriteHeader(201)
	}))
	defer srv.Close()

	backend := NewElasticsearchBackend(srv.URL, "sync-events")
	if backend.Name() != "elasticsearch" {
		t.Errorf("name = %q", backend.Name())
	}
	if err := backend.Publish(context.Background(), []byte(`{"runUuid":"r1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case path := <-received:
		if path != "/sync-events/_doc" {
			t.Errorf("doc path = %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("document never indexed")
	}
}

func TestElasticsearchBackend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	backend := NewElasticsearchBackend(srv.URL, "")
	if err := backend.Publish(context.Background(), []byte(`{}`)); err == nil {
		t.Error("5xx response reported success")
	}
}

func TestStop_ClosesBackends(t *testing.T) {
	log := logging.NewRegistry("info", nil).Get(logging.Sync)
	d := NewDispatcher(config.Defaults().Notifications, log)
	backend := &captureBackend{}
	d.AddBackend(backend)

	d.Start(context.Background())
	d.Stop()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !backend.closed {
		t.Error("backend not closed on Stop")
	}
}
