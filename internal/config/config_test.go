package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, RoleAll, cfg.App.Role)
	assert.Equal(t, DeliveryRPC, cfg.App.Delivery)
	assert.Equal(t, time.Minute, cfg.Detector.DedupBucket)
	assert.Equal(t, 5, cfg.Transport.Breaker.FailureThreshold)
	assert.Equal(t, 20*time.Second, cfg.Transport.Breaker.OpenTimeout)
	assert.Equal(t, 3, cfg.Transport.Retry.MaxAttempts)
	assert.Equal(t, 720*time.Hour, cfg.Database.Retention)
	assert.True(t, cfg.RunsDetection())
	assert.True(t, cfg.RunsNotification())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadThresholdsAndBrokers(t *testing.T) {
	body := `
app:
  delivery: buffer
kafka:
  brokers: "k1:9092,k2:9092"
detector:
  default_threshold:
    up: 100
  thresholds:
    "005930":
      up: 80000
      down: 70000
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Contains(t, cfg.Detector.Thresholds, "005930")
	assert.Equal(t, 80000.0, cfg.Detector.Thresholds["005930"].Up)
	assert.Equal(t, 100.0, cfg.Detector.Default.Up)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MARKETPULSE_APP_ROLE", "notification")
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.False(t, cfg.RunsDetection())
	assert.True(t, cfg.RunsNotification())
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "app:\n  role: everything\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "app:\n  delivery: buffer\n"))
	assert.Error(t, err, "buffer delivery without kafka must fail")

	_, err = Load(writeConfig(t, "detector:\n  thresholds:\n    AAA:\n      up: 10\n      down: 20\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "alerting:\n  slack:\n    enabled: true\n"))
	assert.Error(t, err)
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
