package metrics

import (
	"math"
	"sync"
)

// leadHistoryCap bounds the lead regression history ("drop oldest beyond
// 100 entries").
const leadHistoryCap = 100

// leadHistoryMinSamples is the minimum history size before a slope is
// computed ("≥10 samples required").
const leadHistoryMinSamples = 10

// cadenceClampUs caps a single cadence delta before it folds into the
// running stats ("clamped to ≤ 1 s").
const cadenceClampUs = 1_000_000

// AlertBit is a bitfield flag raised by Thresholds.Evaluate.
type AlertBit uint32

const (
	AlertDriftSlope AlertBit = 1 << iota
	AlertLeadJump
	AlertAVSkew
	AlertActiveFreeze
	AlertCadenceCV
	AlertHealthScoreLow
)

// Thresholds holds the overridable alert thresholds; the zero value is
// invalid, use DefaultThresholds.
type Thresholds struct {
	DriftSlopeUsPerS float64
	LeadJumpUs       float64
	AVSkewUs         float64
	FreezeUs         float64
	CadenceCV        float64
	HealthScoreMin   float64
}

// DefaultThresholds returns the spec's stated defaults: 5000 us/s, 250 ms,
// 80 ms, 500 ms, 0.2, 0.7.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DriftSlopeUsPerS: 5000,
		LeadJumpUs:       250_000,
		AVSkewUs:         80_000,
		FreezeUs:         500_000,
		CadenceCV:        0.2,
		HealthScoreMin:   0.7,
	}
}

type leadSample struct {
	arrivalUs int64
	leadUs    float64
}

// DriftTracker computes the per-stream drift, cadence, A/V-skew, freeze and
// composite health score described in the component design, re-evaluating
// the alert bitfield after every arrival.
type DriftTracker struct {
	thresholds Thresholds

	mu sync.Mutex

	initialized  bool
	t0ArrivalUs  int64
	s0MediaUs    int64
	lastMediaUs  int64
	previousLead float64
	currentLead  float64

	leadHistory []leadSample
	slope       float64

	cadenceSum   float64
	cadenceSumSq float64
	cadenceCount int64

	lastVideoUs int64
	lastAudioUs int64
	avSkewUs    float64

	lastHash     uint64
	hasHash      bool
	frozen       bool
	freezeStart  int64
	freezeTotal  int64
	frozenFrames int64

	totalSamples int64
	alerts       AlertBit
}

// NewDriftTracker creates a tracker using the given thresholds.
func NewDriftTracker(thresholds Thresholds) *DriftTracker {
	return &DriftTracker{thresholds: thresholds}
}

// Arrival is one observed RuntimeData sample folded into the tracker.
type Arrival struct {
	ArrivalUs int64
	MediaUs   int64

	IsVideo bool
	IsAudio bool

	HasContentHash bool
	ContentHash    uint64
}

// Observe folds one arrival into the tracker's running state and
// re-evaluates the alert bitfield, following the exact per-field update
// order from the component design.
func (d *DriftTracker) Observe(a Arrival) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalSamples++

	if !d.initialized {
		d.t0ArrivalUs = a.ArrivalUs
		d.s0MediaUs = a.MediaUs
		d.lastMediaUs = a.MediaUs
		d.initialized = true
		d.updateTrack(a)
		d.updateFreeze(a)
		return
	}

	lead := float64((a.ArrivalUs - d.t0ArrivalUs) - (a.MediaUs - d.s0MediaUs))
	d.previousLead = d.currentLead
	d.currentLead = lead

	d.leadHistory = append(d.leadHistory, leadSample{arrivalUs: a.ArrivalUs, leadUs: lead})
	if len(d.leadHistory) > leadHistoryCap {
		d.leadHistory = d.leadHistory[len(d.leadHistory)-leadHistoryCap:]
	}
	if len(d.leadHistory) >= leadHistoryMinSamples {
		d.slope = leastSquaresSlope(d.leadHistory)
	}

	if a.MediaUs > d.lastMediaUs {
		delta := float64(a.MediaUs - d.lastMediaUs)
		if delta > cadenceClampUs {
			delta = cadenceClampUs
		}
		d.cadenceSum += delta
		d.cadenceSumSq += delta * delta
		d.cadenceCount++
		d.lastMediaUs = a.MediaUs
	}

	d.updateTrack(a)
	d.updateFreeze(a)
	d.evaluateAlerts()
}

func (d *DriftTracker) updateTrack(a Arrival) {
	if a.IsVideo {
		d.lastVideoUs = a.MediaUs
	}
	if a.IsAudio {
		d.lastAudioUs = a.MediaUs
	}
	if d.lastVideoUs != 0 && d.lastAudioUs != 0 {
		d.avSkewUs = float64(d.lastVideoUs - d.lastAudioUs)
	}
}

func (d *DriftTracker) updateFreeze(a Arrival) {
	if !a.HasContentHash {
		return
	}
	if d.hasHash && a.ContentHash == d.lastHash {
		d.frozenFrames++
		if !d.frozen {
			d.frozen = true
			d.freezeStart = a.ArrivalUs
		}
		return
	}
	if d.frozen {
		d.freezeTotal += a.ArrivalUs - d.freezeStart
		d.frozen = false
	}
	d.lastHash = a.ContentHash
	d.hasHash = true
}

// leastSquaresSlope fits lead (us) against arrival time (us) and returns
// the slope scaled to microseconds-per-second.
func leastSquaresSlope(samples []leadSample) float64 {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	x0 := float64(samples[0].arrivalUs)
	for _, s := range samples {
		x := float64(s.arrivalUs) - x0
		y := s.leadUs
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slopePerUs := (n*sumXY - sumX*sumY) / denom
	return slopePerUs * 1_000_000
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// cadenceStatsLocked computes mean, stddev, and coefficient of variation
// from the running sum/sum-of-squares. Caller must hold d.mu.
func (d *DriftTracker) cadenceStatsLocked() (mean, stddev, cv float64) {
	if d.cadenceCount == 0 {
		return 0, 0, 0
	}
	n := float64(d.cadenceCount)
	mean = d.cadenceSum / n
	variance := d.cadenceSumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev = math.Sqrt(variance)
	if mean == 0 {
		return mean, stddev, 0
	}
	return mean, stddev, stddev / mean
}

func (d *DriftTracker) freezeRatioLocked() float64 {
	if d.totalSamples == 0 {
		return 0
	}
	return float64(d.frozenFrames) / float64(d.totalSamples)
}

// healthScoreLocked computes the composite score. Caller must hold d.mu.
func (d *DriftTracker) healthScoreLocked() float64 {
	_, _, cv := d.cadenceStatsLocked()
	freezeRatio := d.freezeRatioLocked()

	score := 1.0
	score -= clamp(math.Abs(d.slope)/10_000, 0, 0.3)
	score -= clamp(math.Abs(d.avSkewUs)/200_000, 0, 0.2)
	score -= clamp(cv/0.5, 0, 0.2)
	score -= clamp(freezeRatio, 0, 0.3)
	if score < 0 {
		score = 0
	}
	return score
}

func (d *DriftTracker) evaluateAlerts() {
	var bits AlertBit
	_, _, cv := d.cadenceStatsLocked()
	health := d.healthScoreLocked()

	if math.Abs(d.slope) > d.thresholds.DriftSlopeUsPerS {
		bits |= AlertDriftSlope
	}
	if math.Abs(d.currentLead-d.previousLead) > d.thresholds.LeadJumpUs {
		bits |= AlertLeadJump
	}
	if math.Abs(d.avSkewUs) > d.thresholds.AVSkewUs {
		bits |= AlertAVSkew
	}
	if d.frozen && (d.lastArrivalSinceFreezeLocked()) > int64(d.thresholds.FreezeUs) {
		bits |= AlertActiveFreeze
	}
	if cv > d.thresholds.CadenceCV {
		bits |= AlertCadenceCV
	}
	if health < d.thresholds.HealthScoreMin {
		bits |= AlertHealthScoreLow
	}
	d.alerts = bits
}

func (d *DriftTracker) lastArrivalSinceFreezeLocked() int64 {
	if len(d.leadHistory) == 0 {
		return 0
	}
	return d.leadHistory[len(d.leadHistory)-1].arrivalUs - d.freezeStart
}

// Snapshot is an immutable point-in-time view of the tracker's state, safe
// to export to the metrics surface.
type Snapshot struct {
	LeadUs           float64
	DriftSlopeUsPerS float64
	AVSkewUs         float64
	CadenceMeanUs    float64
	CadenceStdDevUs  float64
	CadenceCV        float64
	FreezeDurationUs int64
	HealthScore      float64
	Alerts           AlertBit
	TotalSamples     int64
}

// Snapshot returns the tracker's current state.
func (d *DriftTracker) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	mean, stddev, cv := d.cadenceStatsLocked()
	freezeTotal := d.freezeTotal
	if d.frozen {
		freezeTotal += d.lastArrivalSinceFreezeLocked()
	}

	return Snapshot{
		LeadUs:           d.currentLead,
		DriftSlopeUsPerS: d.slope,
		AVSkewUs:         d.avSkewUs,
		CadenceMeanUs:    mean,
		CadenceStdDevUs:  stddev,
		CadenceCV:        cv,
		FreezeDurationUs: freezeTotal,
		HealthScore:      d.healthScoreLocked(),
		Alerts:           d.alerts,
		TotalSamples:     d.totalSamples,
	}
}
