package analysis

import (
	"fmt"
	"testing"

	"github.com/insighthire/capture-agent/pkg/protocol"
)

func stressResult(level string) protocol.ResultData {
	return protocol.ResultData{
		SessionID: "sess",
		Analysis: protocol.Analysis{
			FaceStress: protocol.StressDimension{StressLevel: level},
		},
	}
}

func TestRollingSeriesBounded(t *testing.T) {
	s := NewRollingSeries(5)

	for i := 0; i < 12; i++ {
		s.Push(Point{Label: fmt.Sprintf("t%d", i), Value: float64(i)})
	}

	if s.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", s.Len())
	}

	points := s.Points()
	// Contents must equal the last capacity pushes, in order.
	for i, p := range points {
		want := float64(7 + i)
		if p.Value != want {
			t.Errorf("points[%d].Value = %v, want %v", i, p.Value, want)
		}
	}
}

func TestRollingSeriesPointsIsACopy(t *testing.T) {
	s := NewRollingSeries(3)
	s.Push(Point{Label: "a", Value: 1})

	points := s.Points()
	points[0].Value = 999

	if s.Points()[0].Value != 1 {
		t.Error("mutating the returned slice must not affect the series")
	}
}

func TestLabelMapping(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(string) float64
		label string
		want  float64
	}{
		{"stress positive", MapStress, protocol.LabelStress, ValuePositive},
		{"stress negative", MapStress, protocol.LabelNotStress, ValueNegative},
		{"stress no data", MapStress, protocol.LabelNoData, ValueAnalyzing},
		{"stress absent", MapStress, "", ValueAnalyzing},
		{"stress unrecognized", MapStress, "extremely_calm", ValueAnalyzing},
		{"confidence positive", MapConfidence, protocol.LabelConfident, ValuePositive},
		{"confidence negative", MapConfidence, protocol.LabelNotConfident, ValueNegative},
		{"confidence no data", MapConfidence, protocol.LabelNoData, ValueAnalyzing},
		{"confidence absent", MapConfidence, "", ValueAnalyzing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.label); got != tt.want {
				t.Errorf("map(%q) = %v, want %v", tt.label, got, tt.want)
			}
		})
	}
}

func TestSnapshotIdleBeforeActive(t *testing.T) {
	a := NewAggregator(SeriesCapacity, nil)

	snap := a.Snapshot()
	if !snap.Idle {
		t.Error("snapshot should be idle before the session is active")
	}
	for _, dim := range Dimensions() {
		if snap.Latest[dim] != ValueIdle {
			t.Errorf("Latest[%s] = %v, want ValueIdle", dim, snap.Latest[dim])
		}
	}
}

func TestIngestDiscardedWhileInactive(t *testing.T) {
	a := NewAggregator(SeriesCapacity, nil)

	a.Ingest("sess", stressResult(protocol.LabelStress))

	snap := a.Snapshot()
	for _, dim := range Dimensions() {
		if len(snap.Series[dim]) != 0 {
			t.Errorf("Series[%s] has %d points, want 0 while inactive", dim, len(snap.Series[dim]))
		}
	}
}

func TestIngestWhileActive(t *testing.T) {
	a := NewAggregator(SeriesCapacity, nil)
	a.SetActive(true)

	a.Ingest("sess", protocol.ResultData{
		SessionID: "sess",
		Analysis: protocol.Analysis{
			FaceStress:      protocol.StressDimension{StressLevel: protocol.LabelStress},
			HandConfidence:  protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelConfident},
			EyeConfidence:   protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelNotConfident},
			VoiceConfidence: protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelNoData},
			Overall:         protocol.OverallScores{ConfidenceScore: 0.7, StressScore: 0.4},
		},
	})

	snap := a.Snapshot()
	if snap.Idle {
		t.Error("snapshot should not be idle while active")
	}
	if snap.Latest[DimFaceStress] != ValuePositive {
		t.Errorf("face stress = %v, want %v", snap.Latest[DimFaceStress], ValuePositive)
	}
	if snap.Latest[DimHandConfidence] != ValuePositive {
		t.Errorf("hand confidence = %v, want %v", snap.Latest[DimHandConfidence], ValuePositive)
	}
	if snap.Latest[DimEyeConfidence] != ValueNegative {
		t.Errorf("eye confidence = %v, want %v", snap.Latest[DimEyeConfidence], ValueNegative)
	}
	// no_data must map to the analyzing placeholder, never the negative value.
	if snap.Latest[DimVoiceConfidence] != ValueAnalyzing {
		t.Errorf("voice confidence = %v, want %v", snap.Latest[DimVoiceConfidence], ValueAnalyzing)
	}
	if snap.OverallConfidence != 0.7 || snap.OverallStress != 0.4 {
		t.Errorf("overall = (%v, %v), want (0.7, 0.4)", snap.OverallConfidence, snap.OverallStress)
	}
}

func TestSeriesBoundedThroughAggregator(t *testing.T) {
	a := NewAggregator(5, nil)
	a.SetActive(true)

	for i := 0; i < 30; i++ {
		a.Ingest("sess", stressResult(protocol.LabelStress))
	}

	snap := a.Snapshot()
	if got := len(snap.Series[DimFaceStress]); got != 5 {
		t.Errorf("series length = %d, want 5 after 30 ingests", got)
	}
}

func TestResetRestartsClean(t *testing.T) {
	a := NewAggregator(SeriesCapacity, nil)
	a.SetActive(true)

	// First session: three stress results.
	for i := 0; i < 3; i++ {
		a.Ingest("sess-1", stressResult(protocol.LabelStress))
	}
	if len(a.Snapshot().Series[DimFaceStress]) != 3 {
		t.Fatal("setup: expected 3 points in first session")
	}

	// Stop clears everything.
	a.Reset()

	snap := a.Snapshot()
	if !snap.Idle {
		t.Error("snapshot should be idle after Reset")
	}
	if len(snap.Series[DimFaceStress]) != 0 {
		t.Error("series should be cleared after Reset")
	}

	// Restart: before any result arrives the display is idle, not the
	// previous session's stress value.
	a.SetActive(true)
	snap = a.Snapshot()
	if snap.Latest[DimFaceStress] != ValueIdle {
		t.Errorf("restarted latest = %v, want ValueIdle until a result arrives", snap.Latest[DimFaceStress])
	}
}

func TestVoiceUnavailableStaysIdle(t *testing.T) {
	a := NewAggregator(SeriesCapacity, nil)
	a.SetActive(true)
	a.SetUnavailable(DimVoiceConfidence, true)

	a.Ingest("sess", protocol.ResultData{
		SessionID: "sess",
		Analysis: protocol.Analysis{
			VoiceConfidence: protocol.ConfidenceDimension{ConfidenceLevel: protocol.LabelConfident},
			FaceStress:      protocol.StressDimension{StressLevel: protocol.LabelStress},
		},
	})

	snap := a.Snapshot()
	if snap.Latest[DimVoiceConfidence] != ValueIdle {
		t.Errorf("voice = %v, want ValueIdle when no audio track exists", snap.Latest[DimVoiceConfidence])
	}
	if len(snap.Series[DimVoiceConfidence]) != 0 {
		t.Error("voice series should stay empty when unavailable")
	}
	if snap.Latest[DimFaceStress] != ValuePositive {
		t.Error("other dimensions must keep updating")
	}
}
