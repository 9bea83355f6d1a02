package eventsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

// NtfySink posts state transitions and material changes to ntfy.sh,
// adapted from the teacher's internal/notifications package: same client
// construction, same "topic configured or disabled" gate, same POST body
// shape. Evaluation snapshots are not pushed here; they are high-volume
// and belong on the read API / Datadog gauges instead.
type NtfySink struct {
	client *http.Client
	topic  string
}

// NewNtfySink constructs a sink against the given ntfy topic. An empty
// topic disables publication; calls become no-ops, matching the teacher's
// "not initialized" guard.
func NewNtfySink(topic string) *NtfySink {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return &NtfySink{}
	}
	return &NtfySink{
		client: &http.Client{Timeout: 10 * time.Second},
		topic:  topic,
	}
}

func (s *NtfySink) OnStateTransition(t model.StateTransition) {
	s.send(fmt.Sprintf("%s: %s -> %s", t.MachineID, t.FromState, t.ToState),
		fmt.Sprintf("Confidence %.2f at %s", t.Confidence, t.At.Format(time.RFC3339)))
}

func (s *NtfySink) OnMaterialChange(e model.MaterialChangeEvent) {
	s.send(fmt.Sprintf("%s: material change", e.MachineID),
		fmt.Sprintf("%s -> %s at %s", e.PreviousMaterial, e.NewMaterial, e.At.Format(time.RFC3339)))
}

func (s *NtfySink) OnEvaluation(model.Evaluation) {
	// Evaluation snapshots are not pushed to ntfy; see type doc.
}

func (s *NtfySink) send(title, message string) {
	if s.client == nil {
		return
	}

	url := fmt.Sprintf("https://ntfy.sh/%s", s.topic)
	payload := map[string]any{
		"topic":   s.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal ntfy notification")
		return
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build ntfy request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send ntfy notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("ntfy returned non-success status")
		return
	}

	log.Debug().Str("title", title).Int("status", resp.StatusCode).Msg("Notification sent successfully")
}
