// Package audit records rate-limit alerts and suspension transitions as
// immutable audit rows and forwards them to external destinations (a SIEM
// webhook or a local JSON-lines file) through the Shipper interface.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/config"
	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/safego"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultFlushInterval  = 5 * time.Second
	webhookQueueSize      = 1000

	// Source identifies this service in shipped envelopes
	Source = "accountguard"
)

// Severity ranks shipped entries for SIEM routing
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor maps an audit action to its severity. A permanent block is the
// only high-severity event; alerts and temporary suspensions rank below it.
func SeverityFor(action string) Severity {
	switch action {
	case models.AuditActionRateLimitWarning:
		return SeverityLow
	case models.AuditActionRateLimitExceeded,
		models.AuditActionSuspension + models.SuspensionActionSuspended,
		models.AuditActionSuspension + models.SuspensionActionModified:
		return SeverityMedium
	case models.AuditActionSuspension + models.SuspensionActionBlocked:
		return SeverityHigh
	default:
		return SeverityInfo
	}
}

// LogEntry is the shipped form of an audit row
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	Severity     Severity               `json:"severity"`
	ActorID      string                 `json:"actor_id,omitempty"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Envelope is the body of every webhook request
type Envelope struct {
	Source  string      `json:"source"`
	SentAt  time.Time   `json:"sent_at"`
	Entries []*LogEntry `json:"entries"`
}

// Shipper sends audit entries to one destination
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// filtered ships only actions matching one of its prefixes
type filtered struct {
	Shipper
	prefixes []string
}

func (f *filtered) accepts(action string) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}

func (f *filtered) Ship(ctx context.Context, entry *LogEntry) error {
	if !f.accepts(entry.Action) {
		return nil
	}
	return f.Shipper.Ship(ctx, entry)
}

// MultiShipper ships to every configured destination
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper builds the enabled shippers. An empty result is valid and ships nowhere.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(configs))}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		shipper, err := newShipper(cfg)
		if err != nil {
			ms.Close() //nolint:errcheck
			return nil, err
		}
		if len(cfg.Actions) > 0 {
			shipper = &filtered{Shipper: shipper, prefixes: cfg.Actions}
		}
		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

func newShipper(cfg config.AuditShipperConfig) (Shipper, error) {
	switch cfg.Type {
	case "webhook":
		if cfg.Webhook == nil {
			return nil, errors.New("webhook config is required for webhook shipper")
		}
		s, err := NewWebhookShipper(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook shipper: %w", err)
		}
		return s, nil
	case "file":
		if cfg.File == nil {
			return nil, errors.New("file config is required for file shipper")
		}
		s, err := NewFileShipper(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file shipper: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
	}
}

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends an entry to all shippers, continuing past failures
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper error", "action", entry.Action, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ms.shippers = nil
	return errors.Join(errs...)
}

// WebhookShipper posts envelopes of entries to a SIEM endpoint. Without
// batching every entry is posted on its own; with a positive batch size entries
// are queued and flushed by size, by interval, and on Close.
type WebhookShipper struct {
	url           string
	headers       map[string]string
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	now           func() time.Time

	client    *http.Client
	queue     chan *LogEntry
	pending   []*LogEntry
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	flush := time.Duration(cfg.FlushInterval) * time.Second
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	ws := &WebhookShipper{
		url:           cfg.URL,
		headers:       cfg.Headers,
		batchSize:     cfg.BatchSize,
		flushInterval: flush,
		timeout:       timeout,
		now:           time.Now,
		client:        &http.Client{Timeout: timeout},
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if ws.batchSize > 0 {
		ws.queue = make(chan *LogEntry, webhookQueueSize)
		safego.Go("audit-webhook-flusher", ws.run)
	} else {
		close(ws.doneCh)
	}
	return ws, nil
}

// run owns pending; no other goroutine touches it
func (ws *WebhookShipper) run() {
	defer close(ws.doneCh)
	ticker := time.NewTicker(ws.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.queue:
			ws.pending = append(ws.pending, entry)
			if len(ws.pending) >= ws.batchSize {
				ws.flush()
			}
		case <-ticker.C:
			ws.flush()
		case <-ws.closeCh:
		drain:
			for {
				select {
				case entry := <-ws.queue:
					ws.pending = append(ws.pending, entry)
				default:
					break drain
				}
			}
			ws.flush()
			return
		}
	}
}

func (ws *WebhookShipper) flush() {
	if len(ws.pending) == 0 {
		return
	}
	batch := ws.pending
	ws.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()
	if err := ws.post(ctx, batch); err != nil {
		slog.Error("failed to ship audit batch", "entries", len(batch), "error", err)
	}
}

// Ship posts the entry, or queues it when batching. A full queue falls back to
// a direct post.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.queue != nil {
		select {
		case ws.queue <- entry:
			return nil
		default:
		}
	}
	return ws.post(ctx, []*LogEntry{entry})
}

func (ws *WebhookShipper) post(ctx context.Context, entries []*LogEntry) error {
	data, err := json.Marshal(Envelope{Source: Source, SentAt: ws.now().UTC(), Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to marshal audit envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued entries and stops the flusher
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() { close(ws.closeCh) })
	<-ws.doneCh
	return nil
}

// FileShipper appends one JSON line per entry, rotating by size
type FileShipper struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileShipper opens (or creates) the audit file
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	fs := &FileShipper{
		path:       cfg.Path,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
	}
	if err := fs.open(); err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return fs, nil
}

func (fs *FileShipper) open() error {
	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	fs.file, fs.size = file, info.Size()
	return nil
}

// Ship writes one line
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxBytes > 0 && fs.size > 0 && fs.size+int64(len(line)) > fs.maxBytes {
		if err := fs.rotate(); err != nil {
			slog.Error("failed to rotate audit log", "path", fs.path, "error", err)
		}
	}

	n, err := fs.file.Write(line)
	fs.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate renames path to path.1 (shifting older backups up, dropping the one
// past maxBackups) and reopens path. Callers hold mu.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups))
		for i := fs.maxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
		}
		_ = os.Rename(fs.path, fs.path+".1")
	} else {
		_ = os.Remove(fs.path)
	}
	return fs.open()
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
