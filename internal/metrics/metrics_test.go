package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestClientCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewClient(reg)

	c.ConnectionTransition("CONNECTED")
	c.ConnectionTransition("CONNECTED")
	c.ReconnectScheduled()
	c.Submission(OutcomeAccepted)
	c.DroppedEvent("TimerTick")

	assert.Equal(t, 2.0, value(t, reg, "quizlive_connection_transitions_total", map[string]string{"to": "CONNECTED"}))
	assert.Equal(t, 1.0, value(t, reg, "quizlive_connection_reconnect_attempts_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "quizlive_submission_total", map[string]string{"outcome": OutcomeAccepted}))
	assert.Equal(t, 1.0, value(t, reg, "quizlive_quiz_dropped_events_total", map[string]string{"event": "TimerTick"}))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Client
	var r *Relay
	assert.NotPanics(t, func() {
		c.ConnectionTransition("CONNECTED")
		c.GaveUp()
		c.Submission(OutcomeFailed)
		r.ConnectionOpened()
		r.Published("timer")
		r.Answer(AnswerDuplicate)
	})
}

func TestRelayGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRelay(reg)
	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	assert.Equal(t, 1.0, value(t, reg, "quizlive_relay_connections", nil))
}
