package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"opsgate/internal/config"
	"opsgate/internal/domain"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder ships audit entries to external sinks. Delivery is best-effort:
// a failing sink stalls only its own cursor and never the audit log itself.
type Forwarder struct {
	recorder Recorder
	sinks    []config.AuditSink
	client   *http.Client
	stop     chan struct{}
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartForwarder launches the sink forwarder when sinks are configured and
// returns a stop function.
func StartForwarder(r Recorder, sinks []config.AuditSink) func() {
	if len(sinks) == 0 {
		return func() {}
	}
	f := &Forwarder{
		recorder: r,
		sinks:    sinks,
		client:   &http.Client{Timeout: defaultForwardTimeout},
		cursors:  make(map[int]int64),
		stop:     make(chan struct{}),
	}
	go f.run()
	var once sync.Once
	return func() { once.Do(func() { close(f.stop) }) }
}

func (f *Forwarder) run() {
	ticker := time.NewTicker(defaultForwardInterval)
	defer ticker.Stop()
	for {
		f.forwardAll()
		select {
		case <-ticker.C:
		case <-f.stop:
			return
		}
	}
}

func (f *Forwarder) forwardAll() {
	for i, sink := range f.sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		f.forwardSink(i, sink)
	}
}

func (f *Forwarder) forwardSink(idx int, sink config.AuditSink) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	entries, err := f.recorder.EntriesAfter(ctx, defaultForwardBatch, cursor)
	if err != nil {
		log.Printf("audit forwarder: fetch entries failed: %v", err)
		return
	}
	for _, e := range entries {
		if err := f.post(ctx, sink, e); err != nil {
			log.Printf("audit forwarder: deliver to %s failed: %v", sink.URL, err)
			return
		}
		f.setCursor(idx, e.ID)
	}
}

func (f *Forwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.recorder.LatestID(context.Background())
	if err != nil {
		log.Printf("audit forwarder: init cursor failed: %v", err)
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *Forwarder) post(ctx context.Context, sink config.AuditSink, e domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	timeout := defaultForwardTimeout
	if sink.TimeoutSeconds > 0 {
		timeout = time.Duration(sink.TimeoutSeconds) * time.Second
	}
	client := f.client
	if timeout != f.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsgate-Operation", e.Operation)
	req.Header.Set("X-Opsgate-Delivery", fmt.Sprintf("%d", e.ID))
	if strings.TrimSpace(sink.Secret) != "" {
		req.Header.Set("X-Opsgate-Secret", sink.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
