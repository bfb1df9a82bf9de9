package simd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/logger"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// NotificationPayload is the JSON body posted to a run's callback URL
type NotificationPayload struct {
	RunID           string           `json:"run_id"`
	Status          models.RunStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	EndedAt         time.Time        `json:"ended_at,omitempty"`
	Replicates      int              `json:"replicates"`
	Failed          int              `json:"failed_replicates"`
	Error           string           `json:"error,omitempty"`
	FinalPrevalence *float64         `json:"final_prevalence,omitempty"`
	Timestamp       int64            `json:"timestamp"` // when the notification was sent
}

// Notifier posts run completion callbacks
type Notifier struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	wg         sync.WaitGroup
}

// NewNotifier creates a notifier with three retries and exponential backoff
func NewNotifier() *Notifier {
	return &Notifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 3,
		baseDelay:  1 * time.Second,
	}
}

// Notify sends a notification to callbackURL in the background
func (n *Notifier) Notify(callbackURL, callbackSecret string, rec RunRecord) {
	if callbackURL == "" {
		return
	}

	finalURL := strings.ReplaceAll(callbackURL, "{run_id}", rec.Info.ID)
	payload := NotificationPayload{
		RunID:      rec.Info.ID,
		Status:     rec.Info.Status,
		CreatedAt:  rec.Info.CreatedAt,
		StartedAt:  rec.Info.StartedAt,
		EndedAt:    rec.Info.EndedAt,
		Replicates: rec.Info.Replicates,
		Failed:     rec.Info.Failed,
		Error:      rec.Info.Error,
		Timestamp:  time.Now().UTC().UnixMilli(),
	}
	if len(rec.Summary) > 0 {
		p := rec.Summary[len(rec.Summary)-1].PrevalenceMean
		payload.FinalPrevalence = &p
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sendNotification(finalURL, callbackSecret, payload)
	}()
}

// Wait blocks until pending notifications have been delivered or given up
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// sendNotification performs the HTTP POST with retries
func (n *Notifier) sendNotification(callbackURL, callbackSecret string, payload NotificationPayload) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal notification payload",
			"callback_url", callbackURL,
			"run_id", payload.RunID,
			"error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			// delay = baseDelay * 2^(attempt-1)
			delay := n.baseDelay * time.Duration(1<<uint(attempt-1))
			logger.Debug("retrying notification",
				"callback_url", callbackURL,
				"run_id", payload.RunID,
				"attempt", attempt,
				"delay", delay)
			time.Sleep(delay)
		}

		if lastErr = n.post(callbackURL, callbackSecret, payloadJSON); lastErr == nil {
			logger.Info("notification sent",
				"run_id", payload.RunID,
				"status", payload.Status)
			return
		}
		logger.Warn("notification attempt failed",
			"callback_url", callbackURL,
			"run_id", payload.RunID,
			"attempt", attempt+1,
			"error", lastErr)
	}

	logger.Error("failed to send notification after retries",
		"callback_url", callbackURL,
		"run_id", payload.RunID,
		"status", payload.Status,
		"max_retries", n.maxRetries,
		"last_error", lastErr)
}

func (n *Notifier) post(callbackURL, callbackSecret string, body []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trachoma-simd/1.0")
	if callbackSecret != "" {
		req.Header.Set("X-Simulation-Callback-Secret", callbackSecret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	responseBody := string(bodyBytes)
	if len(responseBody) > 200 {
		responseBody = responseBody[:200] + "..."
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, responseBody)
}
