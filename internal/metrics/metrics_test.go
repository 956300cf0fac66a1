package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesPipelineCounters(t *testing.T) {
	m := New("test")
	m.Notifications.WithLabelValues(OutcomeDelivered).Inc()
	m.TicksCoalesced.Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues(OutcomeDelivered)))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `test_dispatch_notifications_total{outcome="delivered"} 1`), text)
	assert.True(t, strings.Contains(text, "test_scheduler_ticks_coalesced_total 2"))
}

func TestNewUsesIsolatedRegistries(t *testing.T) {
	a := New("iso")
	b := New("iso")
	a.TicksCoalesced.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TicksCoalesced))
}
