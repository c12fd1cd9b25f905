// Package inputs owns the operator setpoints. Every edit replaces the whole snapshot and is
// published to subscribers in edit order.
package inputs

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"topiary/internal/plant"
)

var (
	// ErrUnknownField is returned when an edit names a field that is not a setpoint.
	ErrUnknownField = errors.New("unknown setpoint field")
	// ErrNotNumeric is returned when raw text does not parse as a number.
	ErrNotNumeric = errors.New("setpoint is not numeric")
	// ErrNotFinite is returned for NaN and infinities.
	ErrNotFinite = errors.New("setpoint is not finite")
)

// Subscriber receives every published snapshot.
type Subscriber func(plant.Setpoints)

type subscription struct {
	id int
	fn Subscriber
}

// Store holds the current Setpoints. Reads may come from any goroutine; edits are
// serialized so subscribers observe snapshots in the order edits were applied.
type Store struct {
	mu      sync.RWMutex
	current plant.Setpoints

	// publishMu serializes edit+publish so two edits never interleave their fan-out.
	publishMu sync.Mutex
	subsMu    sync.Mutex
	subs      []subscription
	nextID    int

	log logrus.FieldLogger
}

// NewStore returns a store seeded with initial, clamped into range.
func NewStore(initial plant.Setpoints, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		current: clampAll(initial),
		log:     log.WithField("component", "inputs"),
	}
}

func (s *Store) Snapshot() plant.Setpoints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Set replaces one field. Values outside [0, 220] are clamped; non-finite values are
// rejected without publishing.
func (s *Store) Set(field string, value float64) (plant.Setpoints, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return s.Snapshot(), fmt.Errorf("%s: %w", field, ErrNotFinite)
	}
	return s.apply(func(cur plant.Setpoints) (plant.Setpoints, error) {
		next, ok := cur.With(field, Clamp(value))
		if !ok {
			return cur, fmt.Errorf("%q: %w", field, ErrUnknownField)
		}
		return next, nil
	})
}

// SetString parses raw the way a slider or text box delivers it and applies Set.
func (s *Store) SetString(field, raw string) (plant.Setpoints, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("%s=%q: %w", field, raw, ErrNotNumeric)
	}
	return s.Set(field, value)
}

// Nudge moves one field by delta, clamped.
func (s *Store) Nudge(field string, delta float64) (plant.Setpoints, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return s.Snapshot(), fmt.Errorf("%s: %w", field, ErrNotFinite)
	}
	return s.apply(func(cur plant.Setpoints) (plant.Setpoints, error) {
		value, ok := cur.Get(field)
		if !ok {
			return cur, fmt.Errorf("%q: %w", field, ErrUnknownField)
		}
		next, _ := cur.With(field, Clamp(value+delta))
		return next, nil
	})
}

// Replace installs a whole snapshot (preset, applied optimization) with a single publish.
func (s *Store) Replace(next plant.Setpoints) (plant.Setpoints, error) {
	for _, field := range plant.Fields {
		v, _ := next.Get(field)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return s.Snapshot(), fmt.Errorf("%s: %w", field, ErrNotFinite)
		}
	}
	return s.apply(func(plant.Setpoints) (plant.Setpoints, error) {
		return clampAll(next), nil
	})
}

func (s *Store) apply(edit func(plant.Setpoints) (plant.Setpoints, error)) (plant.Setpoints, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	next, err := edit(s.current)
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Warn("setpoint edit rejected")
		return next, err
	}
	s.current = next
	s.mu.Unlock()

	s.subsMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	s.log.WithField("setpoints", next.String()).Debug("setpoints published")
	for _, sub := range subs {
		sub.fn(next)
	}
	return next, nil
}

// Clamp bounds v to the slider range.
func Clamp(v float64) float64 {
	return math.Max(plant.SetpointMin, math.Min(plant.SetpointMax, v))
}

func clampAll(s plant.Setpoints) plant.Setpoints {
	return plant.Setpoints{
		SulfurIn:   Clamp(s.SulfurIn),
		Admission1: Clamp(s.Admission1),
		Admission2: Clamp(s.Admission2),
		Admission3: Clamp(s.Admission3),
	}
}
