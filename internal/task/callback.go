package task

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const callbackTimeout = 10 * time.Second

type callbackPayload struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	TotalItems   int    `json:"total_items"`
	SuccessCount int    `json:"success_count"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// fireCallback notifies the task's callback URL about the terminal state.
// Best-effort: failures are logged, never retried and never affect the
// recorded task outcome.
func (m *Manager) fireCallback(taskID string) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		// deleted before the worker finished, nothing to report
		return
	}
	if t.CallbackURL == "" {
		return
	}

	payload, err := json.Marshal(callbackPayload{
		TaskID:       t.ID,
		Status:       string(t.Status),
		TotalItems:   t.TotalItems,
		SuccessCount: t.SuccessCount,
		ErrorMessage: t.ErrorMessage,
	})
	if err != nil {
		log.Error().Str("task_id", t.ID).Err(err).Msg("encoding callback payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		log.Warn().Str("task_id", t.ID).Err(err).Msg("building callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn().Str("task_id", t.ID).Str("url", t.CallbackURL).Err(err).Msg("callback delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("task_id", t.ID).Int("status", resp.StatusCode).Msg("callback endpoint rejected notification")
		return
	}
	log.Info().Str("task_id", t.ID).Str("url", t.CallbackURL).Msg("callback delivered")
}
