package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecare/telemed/internal/config"
	"github.com/telecare/telemed/internal/domain/medication"
	"github.com/telecare/telemed/internal/observability/metrics"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Compliance: config.ComplianceConfig{
			DedupWindow:     48 * time.Hour,
			LockTTL:         30 * time.Second,
			AtRiskThreshold: 0.4,
		},
		Scheduling: config.SchedulingConfig{Timeout: time.Second},
	}
}

func TestNew_InMemory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), metrics.New(prometheus.NewRegistry()), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Inbox)
	assert.NoError(t, a.Ping(context.Background()))

	ctx := context.Background()
	m, err := a.Medications.Create(ctx, medication.CreateInput{
		PatientID: uuid.New(),
		Name:      "Metformin",
		Dosage:    "500mg",
		Frequency: "twice daily",
		StartDate: time.Now().UTC().AddDate(0, 0, -10),
	})
	require.NoError(t, err)

	report, err := a.Compliance.Scan(ctx, &m.PatientID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Positive(t, report.Created.Total())
}

func TestNew_InvalidSchedulingURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.Scheduling.BaseURL = "not a url"

	_, err := New(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestNew_UnreachableRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, "redis ping")
}
