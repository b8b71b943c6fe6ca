// Package model holds the shared data types that flow between the
// PowerController's components: outputs, price points, plan slots and
// the state that gets persisted across restarts.
package model

import "time"

// OutputKind is the tagged-variant discriminator for an Output.
type OutputKind string

const (
	KindSwitched OutputKind = "switched"
	KindMeter    OutputKind = "meter"
	KindImported OutputKind = "imported"
)

// Mode selects whether an Output is planned from spot prices or a fixed schedule.
type Mode string

const (
	ModeBestPrice Mode = "BestPrice"
	ModeSchedule  Mode = "Schedule"
)

// Decision is the ON/OFF verdict for a single plan slot.
type Decision string

const (
	DecisionOn  Decision = "ON"
	DecisionOff Decision = "OFF"
)

// ReasonCode annotates why a plan slot (or controller transition) landed
// where it did.
type ReasonCode string

const (
	ReasonScheduleHit       ReasonCode = "schedule-hit"
	ReasonPriceBelowCeiling ReasonCode = "price-below-ceiling"
	ReasonPriceAboveCeiling ReasonCode = "price-above-ceiling"
	ReasonPriority          ReasonCode = "priority"
	ReasonParentGated       ReasonCode = "parent-gated"
	ReasonConstrainedOff    ReasonCode = "constrained-off"
	ReasonDateOff           ReasonCode = "date-off"
	ReasonForcedOff         ReasonCode = "forced-off"
	ReasonAppOverride       ReasonCode = "app-override"
	ReasonMaxOffExercise    ReasonCode = "max-off-exercise"
)

// PriceQuality ranks a PricePoint's trustworthiness; higher is better.
// Order: forecast < cached-stale < current < actual.
type PriceQuality int

const (
	QualityDefault PriceQuality = iota
	QualityFallbackSchedule
	QualityForecast
	QualityCachedStale
	QualityCurrent
	QualityActual
)

func (q PriceQuality) String() string {
	switch q {
	case QualityActual:
		return "actual"
	case QualityCurrent:
		return "current"
	case QualityForecast:
		return "forecast"
	case QualityCachedStale:
		return "cached-stale"
	case QualityFallbackSchedule:
		return "fallback-schedule"
	default:
		return "default"
	}
}

// SlotDuration is the fixed half-hour grid spacing used throughout the
// system (price slots, plan slots, schedule windows all align to it).
const SlotDuration = 30 * time.Minute

// PricePoint is one half-hourly price observation or forecast for a channel.
type PricePoint struct {
	Start    time.Time
	Duration time.Duration
	Channel  string
	PriceC   float64 // cents/kWh
	Quality  PriceQuality
}

func (p PricePoint) End() time.Time { return p.Start.Add(p.Duration) }

// PlanSlot is one half-hour decision in a run plan.
type PlanSlot struct {
	Start    time.Time
	End      time.Time
	Decision Decision
	Reason   ReasonCode
	PriceC   float64
}

// DateRange is an inclusive [Start, End] calendar interval, used for DatesOff.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether date (truncated to day) falls within the range, inclusive.
func (r DateRange) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(truncateDay(r.Start)) && !d.After(truncateDay(r.End))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// TempCondition is the comparison operator for a temperature-probe constraint.
type TempCondition string

const (
	CondGreaterThan TempCondition = "GreaterThan"
	CondLessThan    TempCondition = "LessThan"
)

// TempProbeConstraint blocks a slot from being eligible when a probe reading
// violates the configured threshold.
type TempProbeConstraint struct {
	Probe       string
	Condition   TempCondition
	Temperature float64
}

// UPSAction is what a UPS-linked output does when the UPS is unhealthy.
type UPSAction string

const (
	UPSActionNone     UPSAction = "None"
	UPSActionTurnOff  UPSAction = "TurnOff"
)

// UPSLink ties an output's eligibility to a named UPS's health.
type UPSLink struct {
	UPSName          string
	ActionIfUnhealthy UPSAction
}

// UPSChargeState is the battery's current charge/discharge phase.
type UPSChargeState string

const (
	UPSCharging    UPSChargeState = "charging"
	UPSCharged     UPSChargeState = "charged"
	UPSDischarging UPSChargeState = "discharging"
)

// UPSHealth is the latest reading from a UPS script.
type UPSHealth struct {
	Name           string
	LastTimestamp  time.Time
	State          UPSChargeState
	ChargePct      *float64
	RuntimeSec     *int
	Healthy        *bool // nil == unknown
}

// InputMode selects how an Output's input-pin handle affects its eligibility.
type InputMode string

const (
	InputIgnore  InputMode = "Ignore"
	InputTurnOn  InputMode = "TurnOn"
	InputTurnOff InputMode = "TurnOff"
)

// AppOverride is a user-pushed forced state with an expiry.
type AppOverride struct {
	Target    Decision
	ExpiresAt time.Time // zero means "no expiry"
}

// Expired reports whether the override has lapsed as of now.
func (o AppOverride) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// DayHistory is one day's rolled-up outcome for an output.
type DayHistory struct {
	Date      time.Time
	OnSeconds int64
	EnergyWh  float64
	Cost      float64
}

// RelayState is the controller's belief about a switched output's physical relay.
type RelayState string

const (
	RelayOn      RelayState = "on"
	RelayOff     RelayState = "off"
	RelayUnknown RelayState = "unknown"
)

// OutputState is the persisted, per-output runtime state.
type OutputState struct {
	Name               string
	Relay              RelayState
	LastChanged        time.Time
	OnSecondsToday      int64
	Day                 time.Time // calendar day OnSecondsToday is accumulated for
	CarriedShortfallHrs float64
	Override            *AppOverride
	History             []DayHistory
	LastMeterReading    float64
	LastMeterAt         time.Time
	LastDeviceContact    time.Time
}
