// Package notify fans finished sync runs out to the configured backends:
// webhook, NATS, Redis, Kafka, AMQP, PostgreSQL and Elasticsearch.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
)

// SyncEventRecord is the JSON payload published per finished run.
type SyncEventRecord struct {
	EventVersion string `json:"eventVersion"`
	EventSource  string `json:"eventSource"`
	EventTime    string `json:"eventTime"`
	Vault        string `json:"vault"`
	VaultID      uint64 `json:"vaultId"`
	RunUUID      string `json:"runUuid"`
	Status       string `json:"status"`
	Trigger      string `json:"trigger"`
	OpsTotal     uint64 `json:"opsTotal"`
	OpsFailed    uint64 `json:"opsFailed"`
	Conflicts    uint64 `json:"conflicts"`
	BytesUp      uint64 `json:"bytesUp"`
	BytesDown    uint64 `json:"bytesDown"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// Backend is the interface for notification delivery backends.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type deliveryJob struct {
	endpoint   string
	payload    []byte
	retryCount int
}

// Dispatcher publishes to every registered backend and delivers webhooks
// asynchronously with retry.
type Dispatcher struct {
	client     *http.Client
	workerCh   chan deliveryJob
	wg         sync.WaitGroup
	maxWorkers int
	maxRetries int
	backoff    []time.Duration
	webhookURL string
	log        *slog.Logger

	mu       sync.Mutex
	backends []Backend
}

func NewDispatcher(cfg config.NotificationsConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		workerCh:   make(chan deliveryJob, cfg.QueueSize),
		maxWorkers: cfg.MaxWorkers,
		maxRetries: cfg.MaxRetries,
		backoff:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		webhookURL: cfg.WebhookURL,
		log:        log,
	}
}

// Start launches the webhook delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliverWebhook(job)
				}
			}
		}()
	}
}

// AddBackend registers a delivery backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	d.log.Info("notification backend registered", "backend", b.Name())
}

// Stop drains the webhook queue and closes every backend.
func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		b.Close()
	}
}

// SyncFinished implements the sync controller's notifier hook.
func (d *Dispatcher) SyncFinished(vault *metadata.Vault, event *metadata.SyncEvent) {
	record := SyncEventRecord{
		EventVersion: "1.0",
		EventSource:  "vaulthalla",
		EventTime:    time.Now().UTC().Format(time.RFC3339),
		Vault:        vault.Name,
		VaultID:      vault.ID,
		RunUUID:      event.RunUUID,
		Status:       string(event.Status),
		Trigger:      string(event.Trigger),
		OpsTotal:     event.NumOpsTotal,
		OpsFailed:    event.NumFailedOps,
		Conflicts:    event.NumConflicts,
		BytesUp:      event.BytesUp,
		BytesDown:    event.BytesDown,
		ErrorCode:    event.ErrorCode,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		d.log.Error("marshal sync event record", "error", err)
		return
	}

	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()
	for _, b := range backends {
		if err := b.Publish(context.Background(), payload); err != nil {
			d.log.Error("notify backend publish error", "backend", b.Name(), "error", err)
		}
	}

	if d.webhookURL == "" {
		return
	}
	// Non-blocking send; drop if the queue is full.
	select {
	case d.workerCh <- deliveryJob{endpoint: d.webhookURL, payload: payload}:
	default:
		d.log.Warn("notify queue full, dropping event", "vault", vault.Name, "run", event.RunUUID)
	}
}

func (d *Dispatcher) deliverWebhook(job deliveryJob) {
	resp, err := d.client.Post(job.endpoint, "application/json", bytes.NewReader(job.payload))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
	}

	if job.retryCount < d.maxRetries-1 {
		idx := job.retryCount
		if idx >= len(d.backoff) {
			idx = len(d.backoff) - 1
		}
		time.Sleep(d.backoff[idx])

		job.retryCount++
		select {
		case d.workerCh <- job:
		default:
			d.log.Warn("notify queue full on retry, dropping webhook", "endpoint", job.endpoint)
		}
	} else {
		d.log.Error("notify webhook failed after retries", "retries", d.maxRetries, "endpoint", job.endpoint, "error", err)
	}
}
