package compliance_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/internal/domain/medication"
)

var fixedNow = time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func newMedication(startDaysAgo int, frequency string) medication.Medication {
	return medication.Medication{
		ID:            uuid.New(),
		PatientID:     uuid.New(),
		Name:          "Metformin",
		Frequency:     frequency,
		StartDate:     medication.Date(fixedNow.AddDate(0, 0, -startDaysAgo)),
		TotalQuantity: 30,
	}
}

func logsEvery(medID uuid.UUID, n int, step time.Duration) []medication.IntakeLog {
	logs := make([]medication.IntakeLog, 0, n)
	for i := 0; i < n; i++ {
		logs = append(logs, medication.IntakeLog{
			ID:           uuid.New(),
			MedicationID: medID,
			TakenAt:      fixedNow.Add(-time.Duration(i) * step),
			DosesTaken:   1,
		})
	}
	return logs
}

func TestExpectedDosesPerDay(t *testing.T) {
	tests := []struct {
		frequency string
		want      int
	}{
		{"once daily", 1},
		{"Twice daily", 2},
		{"three times a day", 3},
		{"FOUR times daily", 4},
		{"every 2 days", 2},
		{"as needed", 1},
		{"", 1},
		// "once" wins over "3" because it is checked first.
		{"3 times, once reviewed", 1},
		{"1 to 2 times", 1},
	}

	for _, tt := range tests {
		t.Run(tt.frequency, func(t *testing.T) {
			assert.Equal(t, tt.want, compliance.ExpectedDosesPerDay(tt.frequency))
		})
	}
}

func TestLevelFor_Boundaries(t *testing.T) {
	assert.Equal(t, compliance.LevelHigh, compliance.LevelFor(0.7))
	assert.Equal(t, compliance.LevelMedium, compliance.LevelFor(0.69999))
	assert.Equal(t, compliance.LevelMedium, compliance.LevelFor(0.4))
	assert.Equal(t, compliance.LevelLow, compliance.LevelFor(0.39999))
	assert.Equal(t, compliance.LevelLow, compliance.LevelFor(0))
	assert.Equal(t, compliance.LevelHigh, compliance.LevelFor(1))
}

func TestComputeRisk_NewPatientWithoutLogs(t *testing.T) {
	m := newMedication(10, "twice daily")
	m.TotalQuantity = 20
	m.RemainingQuantity = intPtr(4)
	m.RefillThreshold = intPtr(7)

	risk := compliance.ComputeRisk(m, compliance.History{}, fixedNow)

	assert.Equal(t, 1.0, risk.Components.Adherence)
	assert.InDelta(t, 15.0/21.0, risk.Components.Staleness, 1e-9)
	assert.InDelta(t, 1-4.0/14.0, risk.Components.Refill, 1e-9)
	assert.Equal(t, 0.0, risk.Components.Overdue)
	assert.InDelta(t, 0.4+0.3*15.0/21.0+0.2*(1-4.0/14.0), risk.Score, 1e-9)
	assert.Equal(t, compliance.LevelHigh, risk.Level)
}

func TestComputeRisk_FullyAdherent(t *testing.T) {
	m := newMedication(20, "once daily")
	m.RemainingQuantity = intPtr(20)
	m.RefillThreshold = intPtr(5)
	h := compliance.NewHistory(logsEvery(m.ID, 14, 24*time.Hour))

	risk := compliance.ComputeRisk(m, h, fixedNow)

	assert.Equal(t, 0.0, risk.Components.Adherence)
	assert.Equal(t, 0.0, risk.Components.Staleness)
	assert.Equal(t, 0.0, risk.Components.Refill)
	assert.Equal(t, 0.0, risk.Score)
	assert.Equal(t, compliance.LevelLow, risk.Level)
}

func TestComputeRisk_ScoreAlwaysInRange(t *testing.T) {
	m := newMedication(400, "four times daily")
	m.RemainingQuantity = intPtr(-3)
	m.RefillThreshold = intPtr(0)
	m.NextDue = timePtr(fixedNow.AddDate(0, 0, -60))
	h := compliance.NewHistory([]medication.IntakeLog{{
		MedicationID: m.ID,
		TakenAt:      fixedNow.AddDate(-1, 0, 0),
	}})

	risk := compliance.ComputeRisk(m, h, fixedNow)

	assert.GreaterOrEqual(t, risk.Score, 0.0)
	assert.LessOrEqual(t, risk.Score, 1.0)
	assert.InDelta(t, 1.0, risk.Score, 1e-9)
}

func TestComputeRisk_RefillComponent(t *testing.T) {
	tests := []struct {
		name      string
		remaining *int
		threshold *int
		want      float64
	}{
		{"nil remaining", nil, intPtr(5), 0},
		{"nil threshold", intPtr(3), nil, 0},
		{"empty", intPtr(0), intPtr(5), 1},
		{"negative", intPtr(-1), intPtr(5), 1},
		{"zero threshold", intPtr(1), intPtr(0), 0},
		{"at threshold", intPtr(5), intPtr(5), 0.5},
		{"plenty", intPtr(50), intPtr(5), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMedication(5, "once daily")
			m.RemainingQuantity = tt.remaining
			m.RefillThreshold = tt.threshold

			risk := compliance.ComputeRisk(m, compliance.History{}, fixedNow)
			assert.InDelta(t, tt.want, risk.Components.Refill, 1e-9)
		})
	}
}

func TestComputeRisk_Overdue(t *testing.T) {
	m := newMedication(5, "once daily")

	m.NextDue = timePtr(fixedNow.AddDate(0, 0, -3))
	assert.InDelta(t, 3.0/7.0, compliance.ComputeRisk(m, compliance.History{}, fixedNow).Components.Overdue, 1e-9)

	m.NextDue = timePtr(fixedNow.AddDate(0, 0, -30))
	assert.Equal(t, 1.0, compliance.ComputeRisk(m, compliance.History{}, fixedNow).Components.Overdue)

	m.NextDue = timePtr(fixedNow)
	assert.Equal(t, 0.0, compliance.ComputeRisk(m, compliance.History{}, fixedNow).Components.Overdue)
}

func TestComputeRisk_MissingStartDateDegrades(t *testing.T) {
	m := newMedication(0, "")
	m.StartDate = time.Time{}

	risk := compliance.ComputeRisk(m, compliance.History{}, fixedNow)

	assert.Equal(t, 1.0, risk.Components.Adherence)
	assert.Equal(t, 100.0, compliance.ComplianceRate(m, compliance.History{}, fixedNow, 30))
}

func TestComputeRisk_MoreLogsNeverIncreaseRisk(t *testing.T) {
	m := newMedication(14, "twice daily")
	m.RemainingQuantity = intPtr(10)
	m.RefillThreshold = intPtr(5)

	all := logsEvery(m.ID, 28, 12*time.Hour)
	prev := compliance.ComputeRisk(m, compliance.History{}, fixedNow).Score
	for n := 1; n <= len(all); n++ {
		// keep the newest n logs
		score := compliance.ComputeRisk(m, compliance.NewHistory(all[:n]), fixedNow).Score
		assert.LessOrEqual(t, score, prev, "adding log %d increased risk", n)
		prev = score
	}
}

func TestComplianceRate(t *testing.T) {
	t.Run("starts today", func(t *testing.T) {
		m := newMedication(0, "twice daily")
		assert.Equal(t, 100.0, compliance.ComplianceRate(m, compliance.History{}, fixedNow, 30))
	})

	t.Run("starts in the future", func(t *testing.T) {
		m := newMedication(-5, "twice daily")
		assert.Equal(t, 100.0, compliance.ComplianceRate(m, compliance.History{}, fixedNow, 30))
	})

	t.Run("no logs", func(t *testing.T) {
		m := newMedication(10, "once daily")
		assert.Equal(t, 0.0, compliance.ComplianceRate(m, compliance.History{}, fixedNow, 30))
	})

	t.Run("rounds to one decimal", func(t *testing.T) {
		m := newMedication(3, "once daily")
		h := compliance.NewHistory(logsEvery(m.ID, 1, 24*time.Hour))
		assert.Equal(t, 33.3, compliance.ComplianceRate(m, h, fixedNow, 30))
	})

	t.Run("capped at 100", func(t *testing.T) {
		m := newMedication(2, "once daily")
		h := compliance.NewHistory(logsEvery(m.ID, 6, time.Hour))
		assert.Equal(t, 100.0, compliance.ComplianceRate(m, h, fixedNow, 30))
	})

	t.Run("window caps days on medication", func(t *testing.T) {
		m := newMedication(90, "once daily")
		h := compliance.NewHistory(logsEvery(m.ID, 15, 24*time.Hour))
		assert.Equal(t, 50.0, compliance.ComplianceRate(m, h, fixedNow, 30))
	})
}

func TestNextFollowUpTime(t *testing.T) {
	assert.Equal(t, fixedNow.Add(6*time.Hour), compliance.NextFollowUpTime(0.7, fixedNow))
	assert.Equal(t, fixedNow.Add(24*time.Hour), compliance.NextFollowUpTime(0.5, fixedNow))
	assert.Equal(t, fixedNow.AddDate(0, 0, 3), compliance.NextFollowUpTime(0.3, fixedNow))
	assert.Equal(t, fixedNow.AddDate(0, 0, 7), compliance.NextFollowUpTime(0.29, fixedNow))
}

func TestDaysSinceLastLog(t *testing.T) {
	_, ok := compliance.DaysSinceLastLog(compliance.History{}, fixedNow)
	assert.False(t, ok)

	h := compliance.NewHistory([]medication.IntakeLog{{TakenAt: fixedNow.Add(-47 * time.Hour)}})
	days, ok := compliance.DaysSinceLastLog(h, fixedNow)
	assert.True(t, ok)
	assert.Equal(t, 1, days)
}
