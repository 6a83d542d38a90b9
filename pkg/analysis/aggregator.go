package analysis

import (
	"log/slog"
	"sync"
	"time"

	"github.com/insighthire/capture-agent/pkg/protocol"
)

// Chart values for qualitative labels. The mapping is binary and fixed: a
// recognized positive label maps high, a recognized negative label maps
// low, and anything else maps to the "analyzing" placeholder. Absent data
// is never treated as the negative case.
const (
	ValuePositive  = 80.0
	ValueNegative  = 20.0
	ValueAnalyzing = 50.0

	// ValueIdle is what every dimension reports before capture starts.
	// Distinct from ValueAnalyzing so the UI never shows a misleading
	// score for a session that has not begun.
	ValueIdle = -1.0
)

// Dimension identifies one tracked chart dimension.
type Dimension string

const (
	DimFaceStress      Dimension = "face_stress"
	DimHandConfidence  Dimension = "hand_confidence"
	DimEyeConfidence   Dimension = "eye_confidence"
	DimVoiceConfidence Dimension = "voice_confidence"
)

// Dimensions lists all tracked dimensions in display order.
func Dimensions() []Dimension {
	return []Dimension{DimFaceStress, DimHandConfidence, DimEyeConfidence, DimVoiceConfidence}
}

// MapStress converts a stress label to a chart value.
// For the stress dimension "positive" means stressed.
func MapStress(label string) float64 {
	switch label {
	case protocol.LabelStress:
		return ValuePositive
	case protocol.LabelNotStress:
		return ValueNegative
	default:
		return ValueAnalyzing
	}
}

// MapConfidence converts a confidence label to a chart value.
func MapConfidence(label string) float64 {
	switch label {
	case protocol.LabelConfident:
		return ValuePositive
	case protocol.LabelNotConfident:
		return ValueNegative
	default:
		return ValueAnalyzing
	}
}

// Snapshot is a point-in-time copy of all chart state for the UI.
// Series maps are deep copies; readers may hold them freely.
type Snapshot struct {
	// Idle is true before the session reaches Active; every dimension
	// then reports ValueIdle regardless of history.
	Idle bool `json:"idle"`

	// AnalysisActive mirrors the analyzer's join acknowledgement. False
	// while a session is live means "analysis inactive", not failure.
	AnalysisActive bool `json:"analysis_active"`

	Latest map[Dimension]float64 `json:"latest"`
	Series map[Dimension][]Point `json:"series"`

	OverallConfidence float64 `json:"overall_confidence"`
	OverallStress     float64 `json:"overall_stress"`
}

// Aggregator consumes analyzer results and maintains one rolling series
// per dimension. Single writer (the transport callback), many readers.
type Aggregator struct {
	logger *slog.Logger

	mu             sync.RWMutex
	active         bool
	analysisActive bool
	series         map[Dimension]*RollingSeries
	latest         map[Dimension]float64
	unavailable    map[Dimension]bool
	overallConf    float64
	overallStress  float64

	capacity int
	now      func() time.Time
}

// NewAggregator creates an aggregator whose series hold capacity points.
func NewAggregator(capacity int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		logger:      logger,
		capacity:    capacity,
		series:      make(map[Dimension]*RollingSeries),
		latest:      make(map[Dimension]float64),
		unavailable: make(map[Dimension]bool),
		now:         time.Now,
	}
	for _, dim := range Dimensions() {
		a.series[dim] = NewRollingSeries(capacity)
	}
	return a
}

// SetActive marks the session live. Until this is set, Snapshot reports
// the idle display state and Ingest discards results.
func (a *Aggregator) SetActive(active bool) {
	a.mu.Lock()
	a.active = active
	a.mu.Unlock()
}

// SetAnalysisActive records the analyzer's availability for the UI.
func (a *Aggregator) SetAnalysisActive(active bool) {
	a.mu.Lock()
	a.analysisActive = active
	a.mu.Unlock()
}

// SetUnavailable marks a dimension as permanently idle for this session,
// e.g. voice confidence when no audio track was obtained.
func (a *Aggregator) SetUnavailable(dim Dimension, unavailable bool) {
	a.mu.Lock()
	a.unavailable[dim] = unavailable
	a.mu.Unlock()
}

// Ingest consumes one analyzer result, appending one point per dimension.
// Results arriving while the session is not active are discarded; the
// sender is a late analyzer, not a live session.
func (a *Aggregator) Ingest(sessionID string, result protocol.ResultData) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		a.logger.Debug("result discarded, session not active", "session_id", sessionID)
		return
	}

	label := a.now().Format("15:04:05")
	values := map[Dimension]float64{
		DimFaceStress:      MapStress(result.Analysis.FaceStress.StressLevel),
		DimHandConfidence:  MapConfidence(result.Analysis.HandConfidence.ConfidenceLevel),
		DimEyeConfidence:   MapConfidence(result.Analysis.EyeConfidence.ConfidenceLevel),
		DimVoiceConfidence: MapConfidence(result.Analysis.VoiceConfidence.ConfidenceLevel),
	}

	for dim, value := range values {
		if a.unavailable[dim] {
			continue
		}
		a.series[dim].Push(Point{Label: label, Value: value})
		a.latest[dim] = value
	}

	a.overallConf = result.Analysis.Overall.ConfidenceScore
	a.overallStress = result.Analysis.Overall.StressScore
}

// Snapshot returns a copy of all chart state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Idle:           !a.active,
		AnalysisActive: a.analysisActive,
		Latest:         make(map[Dimension]float64, len(a.series)),
		Series:         make(map[Dimension][]Point, len(a.series)),
	}

	for _, dim := range Dimensions() {
		if !a.active || a.unavailable[dim] {
			snap.Latest[dim] = ValueIdle
		} else if v, ok := a.latest[dim]; ok {
			snap.Latest[dim] = v
		} else {
			snap.Latest[dim] = ValueIdle
		}
		snap.Series[dim] = a.series[dim].Points()
	}

	if a.active {
		snap.OverallConfidence = a.overallConf
		snap.OverallStress = a.overallStress
	}
	return snap
}

// Reset clears all chart state back to the idle snapshot.
// The session state machine calls this as the final teardown step.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active = false
	a.analysisActive = false
	a.overallConf = 0
	a.overallStress = 0
	a.latest = make(map[Dimension]float64)
	a.unavailable = make(map[Dimension]bool)
	for _, s := range a.series {
		s.Clear()
	}
}
