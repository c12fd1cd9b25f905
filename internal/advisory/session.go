// Package advisory keeps the operator's conversation with the advisory oracle. The
// transcript is append-only; chat and optimization are the only two writers.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"topiary/internal/oracle"
	"topiary/internal/plant"
)

const (
	GreetingMessage    = "System Online. Digital Twin connected."
	ChatFailureMessage = "Error contacting AI."
	suggestionHeader   = "OPTIMIZATION SUGGESTION:"
)

// ErrEmptyPrompt is returned by Chat for blank input; nothing is appended.
var ErrEmptyPrompt = errors.New("empty prompt")

// Advisor is the advisory oracle as the session needs it. *oracle.Client satisfies it.
type Advisor interface {
	Chat(ctx context.Context, prompt string, state *plant.PlantState) (string, error)
	Suggest(ctx context.Context, sulfurIn float64, admissions [3]float64) (oracle.Suggestion, error)
}

// StateSource returns the latest plant state, or false before the first simulation.
type StateSource func() (plant.PlantState, bool)

type Session struct {
	advisor Advisor
	state   StateSource
	log     logrus.FieldLogger
	now     func() time.Time

	mu             sync.Mutex
	transcript     []plant.AdvisoryMessage
	chatsInFlight  int
	optimizing     int
	lastOptimize   error
	lastSuggestion *oracle.Suggestion
}

func NewSession(advisor Advisor, state StateSource, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if state == nil {
		state = func() (plant.PlantState, bool) { return plant.PlantState{}, false }
	}
	s := &Session{
		advisor: advisor,
		state:   state,
		log:     log.WithField("component", "advisory"),
		now:     time.Now,
	}
	s.append(plant.RoleSystem, GreetingMessage)
	return s
}

// Transcript returns a copy of every message so far, oldest first.
func (s *Session) Transcript() []plant.AdvisoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plant.AdvisoryMessage, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

// Loading reports whether any chat call is outstanding.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatsInFlight > 0
}

func (s *Session) Optimizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optimizing > 0
}

// LastOptimizeError is the error of the most recent optimization, nil after a success.
// Failed optimizations leave no transcript entry, so this is the only trace the operator
// gets.
func (s *Session) LastOptimizeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOptimize
}

// LastSuggestion returns the most recent successful optimization, if any.
func (s *Session) LastSuggestion() (oracle.Suggestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSuggestion == nil {
		return oracle.Suggestion{}, false
	}
	out := *s.lastSuggestion
	out.OptimalValues = append([]float64(nil), s.lastSuggestion.OptimalValues...)
	return out, true
}

// Chat appends the operator prompt at once, then the oracle's answer, or a system message
// when the oracle cannot be reached. Concurrent chats are allowed and append in the order
// they complete. The returned error is informational; the transcript already reflects it.
func (s *Session) Chat(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	s.mu.Lock()
	s.appendLocked(plant.RoleOperator, prompt)
	s.chatsInFlight++
	s.mu.Unlock()

	var snapshot *plant.PlantState
	if st, ok := s.state(); ok {
		snapshot = &st
	}
	reply, err := s.advisor.Chat(ctx, prompt, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatsInFlight--
	if err != nil {
		s.log.WithError(err).Warn("advisory chat failed")
		s.appendLocked(plant.RoleSystem, ChatFailureMessage)
		return fmt.Errorf("advisory chat: %w", err)
	}
	s.appendLocked(plant.RoleAssistant, reply)
	return nil
}

// Optimize asks for a better admission split for sp. Success appends exactly one assistant
// message; failure appends nothing and is kept as LastOptimizeError.
func (s *Session) Optimize(ctx context.Context, sp plant.Setpoints) (oracle.Suggestion, error) {
	s.mu.Lock()
	s.optimizing++
	s.mu.Unlock()

	suggestion, err := s.advisor.Suggest(ctx, sp.SulfurIn, sp.Admissions())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.optimizing--
	if err != nil {
		s.log.WithError(err).WithField("setpoints", sp.String()).Error("optimization suggestion failed")
		s.lastOptimize = err
		return oracle.Suggestion{}, fmt.Errorf("optimization suggestion: %w", err)
	}
	s.lastOptimize = nil
	kept := suggestion
	kept.OptimalValues = append([]float64(nil), suggestion.OptimalValues...)
	s.lastSuggestion = &kept
	s.appendLocked(plant.RoleAssistant, FormatSuggestion(suggestion))
	return suggestion, nil
}

// FormatSuggestion renders an optimization answer the way it appears in the transcript.
func FormatSuggestion(sg oracle.Suggestion) string {
	return fmt.Sprintf("%s\n%s\n(Potential Gain: +%.2f MW)", suggestionHeader, strings.TrimSpace(sg.Text), sg.PotentialGain)
}

// OptimalSetpoints turns a suggestion's admission split into setpoints for sulfurIn. It
// fails when the oracle did not return exactly three values.
func OptimalSetpoints(sg oracle.Suggestion, sulfurIn float64) (plant.Setpoints, error) {
	if len(sg.OptimalValues) != 3 {
		return plant.Setpoints{}, fmt.Errorf("suggestion carries %d admission values, want 3", len(sg.OptimalValues))
	}
	return plant.Setpoints{
		SulfurIn:   sulfurIn,
		Admission1: sg.OptimalValues[0],
		Admission2: sg.OptimalValues[1],
		Admission3: sg.OptimalValues[2],
	}, nil
}

func (s *Session) append(role plant.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(role, content)
}

func (s *Session) appendLocked(role plant.Role, content string) {
	s.transcript = append(s.transcript, plant.AdvisoryMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	})
}
