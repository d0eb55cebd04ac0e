package attendance

import "time"

// Rules holds the tunable constants of eligibility, calculation and the sweep.
type Rules struct {
	// Eligibility
	MinSessionGap          time.Duration
	ReturnAfterScheduleEnd time.Duration
	RejectEarlyTimeIn      bool

	// Schedule
	DefaultGraceMinutes int
	MaxGraceMinutes     int

	// Calculation
	BreakThresholdMinutes   int
	BreakMinutes            int
	RoundUpRemainderMinutes int
	StandardDayHours        int
	NightShiftCutoffHour    int

	// Sweep
	AutoCloseAfter      time.Duration
	LongSessionAfter    time.Duration
	MissingTimeOutAfter time.Duration
}

// DefaultRules returns the production defaults.
func DefaultRules() Rules {
	return Rules{
		MinSessionGap:           4 * time.Hour,
		ReturnAfterScheduleEnd:  4 * time.Hour,
		RejectEarlyTimeIn:       true,
		DefaultGraceMinutes:     5,
		MaxGraceMinutes:         30,
		BreakThresholdMinutes:   300,
		BreakMinutes:            60,
		RoundUpRemainderMinutes: 55,
		StandardDayHours:        8,
		NightShiftCutoffHour:    6,
		AutoCloseAfter:          16 * time.Hour,
		LongSessionAfter:        10 * time.Hour,
		MissingTimeOutAfter:     8 * time.Hour,
	}
}

func (r Rules) standardDayMinutes() int { return r.StandardDayHours * 60 }
