package compliance

import (
	"math"
	"strings"
	"time"

	"github.com/telecare/telemed/internal/domain/medication"
)

const (
	adherenceWindowDays  = 14
	complianceWindowDays = 30

	weightAdherence = 0.4
	weightStaleness = 0.3
	weightRefill    = 0.2
	weightOverdue   = 0.1

	// HighRiskThreshold is the score at and above which a medication is high risk.
	HighRiskThreshold   = 0.7
	mediumRiskThreshold = 0.4
)

// Level buckets a risk score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// LevelFor maps a score to its level: >=0.7 high, >=0.4 medium, else low.
func LevelFor(score float64) Level {
	switch {
	case score >= HighRiskThreshold:
		return LevelHigh
	case score >= mediumRiskThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// History is the intake history a score is computed from.
type History struct {
	// Logs are ordered most recent first and must cover at least the
	// 30-day compliance window.
	Logs []medication.IntakeLog
	// Last is the most recent log overall, nil when none exist.
	Last *medication.IntakeLog
}

// NewHistory builds a History from a complete most-recent-first log slice.
func NewHistory(logs []medication.IntakeLog) History {
	h := History{Logs: logs}
	if len(logs) > 0 {
		last := logs[0]
		h.Last = &last
	}
	return h
}

func (h History) countSince(since time.Time) int {
	n := 0
	for _, l := range h.Logs {
		if !l.TakenAt.Before(since) {
			n++
		}
	}
	return n
}

// Components are the individual [0,1] sub-scores of a risk score.
type Components struct {
	Adherence float64 `json:"adherence"`
	Staleness float64 `json:"staleness"`
	Refill    float64 `json:"refill"`
	Overdue   float64 `json:"overdue"`
}

// Risk is the outcome of scoring one medication.
type Risk struct {
	Score      float64    `json:"risk_score"`
	Level      Level      `json:"risk_level"`
	Components Components `json:"components"`
}

// ExpectedDosesPerDay parses a free-text frequency. Matching is by substring
// in a fixed priority order, so "1 to 2 times" resolves to one dose.
func ExpectedDosesPerDay(frequency string) int {
	f := strings.ToLower(frequency)
	switch {
	case strings.Contains(f, "once") || strings.Contains(f, "1"):
		return 1
	case strings.Contains(f, "twice") || strings.Contains(f, "2"):
		return 2
	case strings.Contains(f, "three") || strings.Contains(f, "3"):
		return 3
	case strings.Contains(f, "four") || strings.Contains(f, "4"):
		return 4
	default:
		return 1
	}
}

// ComputeRisk scores the non-compliance risk of m at now.
func ComputeRisk(m medication.Medication, h History, now time.Time) Risk {
	c := Components{
		Adherence: adherenceRisk(m, h, now),
		Staleness: stalenessRisk(h, now),
		Refill:    refillRisk(m),
		Overdue:   overdueRisk(m, now),
	}
	score := clamp01(weightAdherence*c.Adherence +
		weightStaleness*c.Staleness +
		weightRefill*c.Refill +
		weightOverdue*c.Overdue)

	return Risk{Score: score, Level: LevelFor(score), Components: c}
}

// ComplianceRate returns the percentage (0-100, one decimal) of expected
// doses logged over the trailing window. Prescriptions active for less
// than a whole day report 100.
func ComplianceRate(m medication.Medication, h History, now time.Time, days int) float64 {
	if days <= 0 {
		days = complianceWindowDays
	}
	daysOn := daysOnMedication(m, now, days)
	if daysOn <= 0 {
		return 100.0
	}
	expected := max(1, daysOn*ExpectedDosesPerDay(m.Frequency))
	actual := h.countSince(now.Add(-time.Duration(days) * 24 * time.Hour))
	rate := math.Min(float64(actual)/float64(expected)*100, 100)
	return math.Round(rate*10) / 10
}

// NextFollowUpTime schedules sooner follow-ups for riskier medications.
func NextFollowUpTime(score float64, now time.Time) time.Time {
	switch {
	case score >= 0.7:
		return now.Add(6 * time.Hour)
	case score >= 0.5:
		return now.Add(24 * time.Hour)
	case score >= 0.3:
		return now.AddDate(0, 0, 3)
	default:
		return now.AddDate(0, 0, 7)
	}
}

// DaysSinceLastLog returns whole days since the most recent log and false
// when there is no log at all.
func DaysSinceLastLog(h History, now time.Time) (int, bool) {
	if h.Last == nil {
		return 0, false
	}
	return int(math.Floor(now.Sub(h.Last.TakenAt).Hours() / 24)), true
}

func adherenceRisk(m medication.Medication, h History, now time.Time) float64 {
	daysOn := daysOnMedication(m, now, adherenceWindowDays)
	expected := max(1, daysOn*ExpectedDosesPerDay(m.Frequency))
	actual := h.countSince(now.Add(-adherenceWindowDays * 24 * time.Hour))
	adherence := math.Min(float64(actual)/float64(expected), 1.0)
	return 1 - adherence
}

func stalenessRisk(h History, now time.Time) float64 {
	days, ok := DaysSinceLastLog(h, now)
	if !ok {
		days = adherenceWindowDays + 1
	}
	return clamp01(float64(days) / (adherenceWindowDays * 1.5))
}

func refillRisk(m medication.Medication) float64 {
	if m.RemainingQuantity == nil || m.RefillThreshold == nil {
		return 0
	}
	remaining := *m.RemainingQuantity
	if remaining <= 0 {
		return 1
	}
	return clamp01(1 - float64(remaining)/float64(max(1, *m.RefillThreshold*2)))
}

func overdueRisk(m medication.Medication, now time.Time) float64 {
	if m.NextDue == nil {
		return 0
	}
	overdue := medication.DaysBetween(*m.NextDue, now)
	if overdue <= 0 {
		return 0
	}
	return math.Min(float64(overdue)/7.0, 1.0)
}

// daysOnMedication is the number of whole days since the start date, capped
// at window. A missing start date counts as starting today.
func daysOnMedication(m medication.Medication, now time.Time, window int) int {
	if !m.HasStartDate() {
		return 0
	}
	return max(0, min(window, medication.DaysBetween(m.StartDate, now)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
