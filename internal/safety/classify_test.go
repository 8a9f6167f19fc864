package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cragwatch/internal/area"
)

func ptr[T any](v T) *T { return &v }

func TestClassifyBoundaries(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	cases := []struct {
		name  string
		total float64
		days  *int
		want  area.Status
	}{
		{"heavy week is unsafe", 25.0, nil, area.StatusUnsafe},
		{"just under unsafe with old rain", 24.9, ptr(5), area.StatusCaution},
		{"rain yesterday", 0.5, ptr(1), area.StatusUnsafe},
		{"rain today", 0.5, ptr(0), area.StatusUnsafe},
		{"moderate week", 10.0, nil, area.StatusCaution},
		{"recent light rain", 5.0, ptr(2), area.StatusCaution},
		{"three days dry", 5.0, ptr(3), area.StatusCaution},
		{"four days dry", 5.0, ptr(4), area.StatusSafe},
		{"dry week", 0, nil, area.StatusSafe},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.total, tc.days, th))
		})
	}
}

func TestClassifyJustUnderUnsafeWithCustomCaution(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	th.CautionMM = 25
	require.Equal(t, area.StatusSafe, Classify(24.9, ptr(5), th))
}

func TestClassifyNeverUnknown(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	for total := 0.0; total <= 40; total += 0.7 {
		for d := -1; d <= 10; d++ {
			var days *int
			if d >= 0 {
				days = ptr(d)
			}
			require.NotEqual(t, area.StatusUnknown, Classify(total, days, th))
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.CautionDays = 5
	require.Error(t, bad.Validate())

	bad = DefaultThresholds()
	bad.CautionMM = 30
	require.Error(t, bad.Validate())

	bad = DefaultThresholds()
	bad.UnsafeMM = 0
	require.Error(t, bad.Validate())
}

func day(offset int) time.Time {
	return time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func rec(offset int, mm float64) area.PrecipitationRecord {
	return area.PrecipitationRecord{AreaID: "crag", RecordedAt: day(offset), PrecipitationMM: mm}
}

func TestComputeMetrics(t *testing.T) {
	t.Parallel()

	records := []area.PrecipitationRecord{
		rec(-9, 40), // outside the summed days
		rec(-7, 2),
		rec(-4, 0.05),
		rec(-3, 3),
		rec(-1, 0.1),
		rec(0, 0),
		rec(2, 15), // inside the reporting lag
		rec(6, 9),  // after today
	}
	m := ComputeMetrics(records, day(5), 12)

	require.InDelta(t, 20.15, m.TotalMM, 1e-9)
	require.NotNil(t, m.DaysSinceRain)
	require.Equal(t, 3, *m.DaysSinceRain)
	require.Equal(t, day(2), *m.LastRainDate)
	require.Equal(t, 7, m.Records)
}

func TestComputeMetricsCountsDaysFromToday(t *testing.T) {
	t.Parallel()

	m := ComputeMetrics([]area.PrecipitationRecord{rec(0, 5)}, day(5), 12)
	require.NotNil(t, m.DaysSinceRain)
	require.Equal(t, 5, *m.DaysSinceRain)
	require.Equal(t, area.StatusSafe, Classify(m.TotalMM, m.DaysSinceRain, DefaultThresholds()))
}

func TestComputeMetricsNoRain(t *testing.T) {
	t.Parallel()

	m := ComputeMetrics([]area.PrecipitationRecord{rec(0, 0), rec(-1, 0.1)}, day(0), 7)
	require.InDelta(t, 0.1, m.TotalMM, 1e-9)
	require.Nil(t, m.DaysSinceRain)
	require.Nil(t, m.LastRainDate)
}
