// Package analysis turns analyzer results into bounded rolling time series
// for the live dashboard charts.
package analysis

import "sync"

// SeriesCapacity is the default number of points a rolling series keeps.
const SeriesCapacity = 20

// Point is one charted value with its wall-clock label.
type Point struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// RollingSeries is a fixed-capacity FIFO window of chart points.
// Pushing past capacity evicts the oldest point.
type RollingSeries struct {
	mu       sync.RWMutex
	capacity int
	points   []Point
}

// NewRollingSeries creates a series with the given capacity.
// Non-positive capacities fall back to SeriesCapacity.
func NewRollingSeries(capacity int) *RollingSeries {
	if capacity <= 0 {
		capacity = SeriesCapacity
	}
	return &RollingSeries{
		capacity: capacity,
		points:   make([]Point, 0, capacity),
	}
}

// Push appends a point, evicting the oldest when full.
func (s *RollingSeries) Push(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.points) >= s.capacity {
		copy(s.points, s.points[1:])
		s.points = s.points[:len(s.points)-1]
	}
	s.points = append(s.points, p)
}

// Points returns a copy of the current window, oldest first.
func (s *RollingSeries) Points() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// Len returns the number of points currently held.
func (s *RollingSeries) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Clear empties the window.
func (s *RollingSeries) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = s.points[:0]
}
