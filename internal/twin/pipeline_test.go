package twin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"topiary/internal/alerts"
	"topiary/internal/inputs"
	"topiary/internal/plant"
)

const (
	quiet   = 30 * time.Millisecond
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSim struct {
	mu      sync.Mutex
	calls   []plant.Setpoints
	respond func(ctx context.Context, call int, sp plant.Setpoints) (plant.PlantState, error)
}

func (f *fakeSim) Simulate(ctx context.Context, sp plant.Setpoints) (plant.PlantState, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sp)
	call := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return healthyState(), nil
	}
	return respond(ctx, call, sp)
}

func (f *fakeSim) Calls() []plant.Setpoints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plant.Setpoints(nil), f.calls...)
}

func healthyState() plant.PlantState {
	return plant.PlantState{PGTA1: 25, PGTA2: 25, PGTA3: 25, MPPressure: 8.2, TR1: 20, Meta: plant.Meta{EstSteamGen: 1000, TotalPower: 75}}
}

type harness struct {
	store *inputs.Store
	sim   *fakeSim
	p     *Pipeline
	hook  *test.Hook

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, sim *fakeSim, opts Options) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := inputs.NewStore(plant.DefaultSetpoints(), logger)
	if opts.QuietPeriod == 0 {
		opts.QuietPeriod = quiet
	}
	opts.Logger = logger
	h := &harness{store: store, sim: sim, p: New(store, sim, opts), hook: hook}
	h.p.Subscribe(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.p.Idle, waitFor, tick)
}

func TestBurstOfEditsIssuesOneSimulation(t *testing.T) {
	h := newHarness(t, &fakeSim{}, Options{})
	require.NoError(t, h.p.Start())

	for v := 100.0; v <= 140; v += 2 {
		_, err := h.store.Set(plant.FieldAdm2, v)
		require.NoError(t, err)
	}
	_, err := h.store.Set(plant.FieldSulfurIn, 90)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.sim.Calls()) == 1 }, waitFor, tick)
	h.waitIdle(t)
	time.Sleep(3 * quiet)

	calls := h.sim.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, plant.Setpoints{SulfurIn: 90, Admission1: 150, Admission2: 140, Admission3: 150}, calls[0])

	snap, ok := h.p.Latest()
	require.True(t, ok)
	assert.Equal(t, calls[0], snap.Setpoints)
	assert.EqualValues(t, 1, snap.Seq)
}

func TestSpacedEditsIssueOneSimulationEach(t *testing.T) {
	h := newHarness(t, &fakeSim{}, Options{})
	require.NoError(t, h.p.Start())
	require.Eventually(t, func() bool { return len(h.sim.Calls()) == 1 }, waitFor, tick)

	for i, v := range []float64{10, 20, 30} {
		h.waitIdle(t)
		_, err := h.store.Set(plant.FieldAdm1, v)
		require.NoError(t, err)
		want := i + 2
		require.Eventually(t, func() bool { return len(h.sim.Calls()) == want }, waitFor, tick)
	}
	h.waitIdle(t)

	calls := h.sim.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, 30.0, calls[3].Admission1)
	issued, applied, stale := h.p.Stats()
	assert.EqualValues(t, 4, issued)
	assert.EqualValues(t, 4, applied)
	assert.Zero(t, stale)
}

func TestAlertsUseSetpointsOfTheResponse(t *testing.T) {
	sim := &fakeSim{respond: func(_ context.Context, _ int, sp plant.Setpoints) (plant.PlantState, error) {
		st := healthyState()
		st.Meta.EstSteamGen = 480
		return st, nil
	}}
	h := newHarness(t, sim, Options{})
	_, err := h.store.Replace(plant.Setpoints{SulfurIn: 100, Admission1: 200, Admission2: 150, Admission3: 150})
	require.NoError(t, err)
	require.NoError(t, h.p.Start())
	h.waitIdle(t)
	require.Eventually(t, func() bool { _, ok := h.p.Latest(); return ok }, waitFor, tick)

	got := h.p.Alerts()
	require.Len(t, got, 2, "impossible scenario plus GTA 1 consumption 8.0")
	assert.Equal(t, alerts.RuleImpossibleScenario, got[0].Rule)
	assert.Contains(t, got[0].Message, "(500 T/h)")
	assert.Contains(t, got[0].Message, "(480 T/h)")
	assert.Equal(t, "GTA 1 High Consumption: 8.0 T/MW", got[1].Message)

	st, ok := h.p.PlantState()
	require.True(t, ok)
	assert.Equal(t, 480.0, st.Meta.EstSteamGen)
}

func TestFailedSimulationKeepsPreviousState(t *testing.T) {
	boom := errors.New("connection refused")
	sim := &fakeSim{respond: func(_ context.Context, call int, _ plant.Setpoints) (plant.PlantState, error) {
		if call == 1 {
			st := healthyState()
			st.MPPressure = 7.0
			return st, nil
		}
		return plant.PlantState{}, boom
	}}
	h := newHarness(t, sim, Options{})
	require.NoError(t, h.p.Start())
	require.Eventually(t, func() bool { _, ok := h.p.Latest(); return ok }, waitFor, tick)
	h.waitIdle(t)
	before, _ := h.p.Latest()
	beforeAlerts := h.p.Alerts()
	require.Len(t, beforeAlerts, 1)

	_, err := h.store.Set(plant.FieldAdm3, 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sim.Calls()) == 2 }, waitFor, tick)
	h.waitIdle(t)

	after, ok := h.p.Latest()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeAlerts, h.p.Alerts())
	assert.ErrorIs(t, h.p.LastError(), boom)

	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventApplied, events[0].Kind)
	assert.Equal(t, EventFailed, events[1].Kind)
	assert.Equal(t, 10.0, events[1].Setpoints.Admission3)
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	sim := &fakeSim{respond: func(ctx context.Context, call int, sp plant.Setpoints) (plant.PlantState, error) {
		st := healthyState()
		st.PGTA1 = float64(call)
		if call == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return plant.PlantState{}, ctx.Err()
			}
		}
		return st, nil
	}}
	h := newHarness(t, sim, Options{})
	require.NoError(t, h.p.Start())
	require.Eventually(t, func() bool { return len(h.sim.Calls()) == 1 }, waitFor, tick)

	_, err := h.store.Set(plant.FieldAdm1, 99)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := h.p.Latest()
		return ok && snap.Seq == 2
	}, waitFor, tick)

	close(release)
	h.waitIdle(t)

	snap, _ := h.p.Latest()
	assert.EqualValues(t, 2, snap.Seq)
	assert.Equal(t, 2.0, snap.State.PGTA1)
	assert.Equal(t, 99.0, snap.Setpoints.Admission1)
	_, _, stale := h.p.Stats()
	assert.Equal(t, 1, stale)

	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventStale, events[1].Kind)
	assert.EqualValues(t, 1, events[1].Seq)
}

// heldSim blocks every call until release is closed, so two responses resolve together.
func heldSim(release <-chan struct{}) *fakeSim {
	return &fakeSim{respond: func(ctx context.Context, call int, _ plant.Setpoints) (plant.PlantState, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return plant.PlantState{}, ctx.Err()
		}
		st := healthyState()
		st.PGTA1 = float64(call)
		return st, nil
	}}
}

func TestListenersSeeAppliedSequenceInOrder(t *testing.T) {
	for i := 0; i < 40; i++ {
		release := make(chan struct{})
		h := newHarness(t, heldSim(release), Options{QuietPeriod: 2 * time.Millisecond})
		require.NoError(t, h.p.Start())
		require.Eventually(t, func() bool { return len(h.sim.Calls()) == 1 }, waitFor, time.Millisecond)
		_, err := h.store.Set(plant.FieldAdm1, float64(100+i))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(h.sim.Calls()) == 2 }, waitFor, time.Millisecond)

		close(release)
		h.waitIdle(t)
		h.p.Close()

		var applied []uint64
		for _, ev := range h.Events() {
			if ev.Kind == EventApplied {
				applied = append(applied, ev.Seq)
			}
		}
		require.NotEmpty(t, applied, "iteration %d", i)
		for j := 1; j < len(applied); j++ {
			require.Greater(t, applied[j], applied[j-1], "iteration %d: applied seqs %v", i, applied)
		}
		latest, ok := h.p.Latest()
		require.True(t, ok)
		require.Equal(t, latest.Seq, applied[len(applied)-1], "iteration %d: last event must match Latest", i)
		require.EqualValues(t, 2, latest.Seq)
	}
}

func TestStaleFailureKeepsFreshState(t *testing.T) {
	boom := errors.New("connection reset")
	first := make(chan struct{})
	sim := &fakeSim{respond: func(ctx context.Context, call int, _ plant.Setpoints) (plant.PlantState, error) {
		if call == 1 {
			select {
			case <-first:
			case <-ctx.Done():
				return plant.PlantState{}, ctx.Err()
			}
			return plant.PlantState{}, boom
		}
		return healthyState(), nil
	}}
	h := newHarness(t, sim, Options{})
	require.NoError(t, h.p.Start())
	require.Eventually(t, func() bool { return len(h.sim.Calls()) == 1 }, waitFor, tick)

	_, err := h.store.Set(plant.FieldAdm2, 120)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := h.p.Latest()
		return ok && snap.Seq == 2
	}, waitFor, tick)

	close(first)
	h.waitIdle(t)

	assert.NoError(t, h.p.LastError(), "an older failure must not mark fresh state as failed")
	snap, _ := h.p.Latest()
	assert.EqualValues(t, 2, snap.Seq)
	_, _, stale := h.p.Stats()
	assert.Equal(t, 1, stale)

	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventApplied, events[0].Kind)
	assert.Equal(t, EventStale, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, boom)
}

func TestCloseDropsScheduledSimulation(t *testing.T) {
	h := newHarness(t, &fakeSim{}, Options{QuietPeriod: 100 * time.Millisecond})
	require.NoError(t, h.p.Start())
	assert.False(t, h.p.Idle())
	h.p.Close()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, h.sim.Calls())

	_, err := h.store.Set(plant.FieldAdm1, 12)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, h.sim.Calls(), "store edits after close are not forwarded")
}

func TestCloseCancelsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	sim := &fakeSim{respond: func(ctx context.Context, _ int, _ plant.Setpoints) (plant.PlantState, error) {
		close(started)
		<-ctx.Done()
		return plant.PlantState{}, ctx.Err()
	}}
	h := newHarness(t, sim, Options{})
	require.NoError(t, h.p.Start())
	<-started
	h.p.Close()
	assert.Empty(t, h.Events())
	assert.NoError(t, h.p.LastError())
}

func TestRefreshScheduleResimulates(t *testing.T) {
	h := newHarness(t, &fakeSim{}, Options{RefreshSchedule: "@every 1s"})
	require.NoError(t, h.p.Start())
	require.Eventually(t, func() bool { return len(h.sim.Calls()) >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestInvalidRefreshSchedule(t *testing.T) {
	h := newHarness(t, &fakeSim{}, Options{RefreshSchedule: "every now and then"})
	assert.Error(t, h.p.Start())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "applied", EventApplied.String())
	assert.Equal(t, "failed", EventFailed.String())
	assert.Equal(t, "stale", EventStale.String())
	assert.Equal(t, "unknown", EventKind(9).String())
}
