package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// HTTPOutput posts batches as a JSON array to the backend collector.
type HTTPOutput struct {
	url        string
	httpClient *http.Client

	mu            sync.RWMutex
	sentBatches   int64
	sentRecords   int64
	failedBatches int64
}

// NewHTTPOutput creates an HTTP output for url.
func NewHTTPOutput(url string, timeout time.Duration) (*HTTPOutput, error) {
	if url == "" {
		return nil, fmt.Errorf("reporter URL is required")
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPOutput{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// Send posts one batch. There is no retry.
func (o *HTTPOutput) Send(ctx context.Context, records []types.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	if err := o.doRequest(ctx, payload); err != nil {
		o.recordFailure()
		return err
	}
	o.recordSuccess(len(records))
	return nil
}

func (o *HTTPOutput) doRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Lockdown-Reporter/1.0")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (o *HTTPOutput) recordSuccess(n int) {
	o.mu.Lock()
	o.sentBatches++
	o.sentRecords += int64(n)
	o.mu.Unlock()
}

func (o *HTTPOutput) recordFailure() {
	o.mu.Lock()
	o.failedBatches++
	o.mu.Unlock()
}

// Stats returns output statistics.
func (o *HTTPOutput) Stats() HTTPOutputStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return HTTPOutputStats{
		SentBatches:   o.sentBatches,
		SentRecords:   o.sentRecords,
		FailedBatches: o.failedBatches,
	}
}

// Close releases idle connections.
func (o *HTTPOutput) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// HTTPOutputStats contains HTTP output statistics.
type HTTPOutputStats struct {
	SentBatches   int64 `json:"sent_batches"`
	SentRecords   int64 `json:"sent_records"`
	FailedBatches int64 `json:"failed_batches"`
}
