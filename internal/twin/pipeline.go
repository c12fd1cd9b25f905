// Package twin wires the operator inputs to the simulation oracle and the alert rules. It
// owns the displayed plant state and alert list; both are replaced together on every
// applied simulation response.
package twin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"topiary/internal/alerts"
	"topiary/internal/debounce"
	"topiary/internal/inputs"
	"topiary/internal/plant"
)

// Simulator is the simulation oracle. *oracle.Client satisfies it.
type Simulator interface {
	Simulate(ctx context.Context, sp plant.Setpoints) (plant.PlantState, error)
}

// Snapshot is what the dashboard shows: a plant state, the setpoints that produced it and
// the alerts derived from exactly that pair.
type Snapshot struct {
	Seq       uint64
	Setpoints plant.Setpoints
	State     plant.PlantState
	Alerts    []plant.Alert
	UpdatedAt time.Time
}

type EventKind int

const (
	// EventApplied: a response became the current snapshot.
	EventApplied EventKind = iota
	// EventFailed: the oracle could not be reached; the current snapshot is unchanged.
	EventFailed
	// EventStale: a response arrived after a newer one was applied and was dropped.
	EventStale
)

func (k EventKind) String() string {
	switch k {
	case EventApplied:
		return "applied"
	case EventFailed:
		return "failed"
	case EventStale:
		return "stale"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind      EventKind
	Seq       uint64
	Setpoints plant.Setpoints
	Snapshot  Snapshot
	Err       error
}

type Options struct {
	QuietPeriod time.Duration
	// RefreshSchedule is a cron spec ("@every 30s", "*/5 * * * *"); empty disables
	// periodic re-simulation.
	RefreshSchedule string
	Engine          *alerts.Engine
	Logger          logrus.FieldLogger
	Clock           func() time.Time
}

type listener struct {
	id int
	fn func(Event)
}

type Pipeline struct {
	store  *inputs.Store
	sim    Simulator
	engine *alerts.Engine
	sched  *debounce.Scheduler
	log    logrus.FieldLogger
	now    func() time.Time

	refreshSpec string
	cron        *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	current  *Snapshot
	lastErr  error
	issued   uint64
	applied  uint64
	inFlight int
	stale    int
	closed   bool

	emitMu      sync.Mutex
	listenersMu sync.Mutex
	listeners   []listener
	nextID      int

	unsubscribe func()
}

func New(store *inputs.Store, sim Simulator, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	engine := opts.Engine
	if engine == nil {
		engine = alerts.NewEngine(nil, log)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		store:       store,
		sim:         sim,
		engine:      engine,
		log:         log.WithField("component", "twin"),
		now:         now,
		refreshSpec: opts.RefreshSchedule,
		ctx:         ctx,
		cancel:      cancel,
	}
	p.sched = debounce.NewScheduler(opts.QuietPeriod, p.fire, log)
	return p
}

// Start subscribes to the input store and, when configured, starts the refresh schedule.
// The first simulation is scheduled right away so the dashboard is not empty.
func (p *Pipeline) Start() error {
	if p.refreshSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(p.refreshSpec, p.Resync); err != nil {
			return err
		}
		p.cron = c
		c.Start()
	}
	p.unsubscribe = p.store.Subscribe(func(plant.Setpoints) { p.sched.Trigger() })
	p.sched.Trigger()
	return nil
}

// Resync re-simulates the current setpoints through the debounce path.
func (p *Pipeline) Resync() {
	p.log.Debug("resync requested")
	p.sched.Trigger()
}

// Close cancels any scheduled simulation and outstanding calls and waits for them to return.
// No listener is called after Close returns.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.sched.Stop()
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.cancel()
	p.wg.Wait()
}

// Latest returns the current snapshot, false before the first successful response.
func (p *Pipeline) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Snapshot{}, false
	}
	return p.current.clone(), true
}

// PlantState is the latest plant state alone; it matches advisory.StateSource.
func (p *Pipeline) PlantState() (plant.PlantState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return plant.PlantState{}, false
	}
	return p.current.State, true
}

// Alerts returns the alerts of the current snapshot.
func (p *Pipeline) Alerts() []plant.Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return []plant.Alert{}
	}
	return copyAlerts(p.current.Alerts)
}

// LastError is the most recent simulation failure, cleared by the next applied response.
func (p *Pipeline) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Idle reports whether nothing is scheduled or in flight. A call stops being in flight once
// its event has been delivered.
func (p *Pipeline) Idle() bool {
	if p.sched.Pending() {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inFlight == 0
}

// Stats returns issued, applied sequence and stale-discard counters.
func (p *Pipeline) Stats() (issued, applied uint64, stale int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.issued, p.applied, p.stale
}

// Subscribe registers fn for every pipeline event and returns a function that removes it.
// fn runs on the goroutine that received the response. Calls never overlap and arrive in
// the order responses were applied, so applied sequence numbers only grow.
func (p *Pipeline) Subscribe(fn func(Event)) func() {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, listener{id: id, fn: fn})
	return func() {
		p.listenersMu.Lock()
		defer p.listenersMu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// fire runs under the debounce scheduler lock: it only tags and launches the call.
func (p *Pipeline) fire() {
	sp := p.store.Snapshot()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.issued++
	seq := p.issued
	p.inFlight++
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"seq": seq, "setpoints": sp.String()}).Debug("simulation issued")
	go p.run(seq, sp)
}

func (p *Pipeline) run(seq uint64, sp plant.Setpoints) {
	defer p.wg.Done()
	state, err := p.sim.Simulate(p.ctx, sp)

	// Applying a response and notifying listeners is one step, so listeners see events in
	// the order the pipeline applied them.
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	p.mu.Lock()
	if p.closed && errors.Is(err, context.Canceled) {
		p.mu.Unlock()
		return
	}
	ev := Event{Seq: seq, Setpoints: sp}
	switch {
	case seq < p.applied:
		p.stale++
		ev.Kind = EventStale
		ev.Err = err
		p.log.WithFields(logrus.Fields{"seq": seq, "applied": p.applied}).Info("stale simulation response dropped")
	case err != nil:
		p.lastErr = err
		ev.Kind = EventFailed
		ev.Err = err
		p.log.WithError(err).WithField("seq", seq).Warn("simulation failed; keeping previous plant state")
	default:
		snap := &Snapshot{
			Seq:       seq,
			Setpoints: sp,
			State:     state,
			Alerts:    p.engine.Evaluate(state, sp),
			UpdatedAt: p.now(),
		}
		p.current = snap
		p.applied = seq
		p.lastErr = nil
		ev.Kind = EventApplied
		ev.Snapshot = snap.clone()
		p.log.WithFields(logrus.Fields{"seq": seq, "alerts": len(snap.Alerts)}).Debug("plant state applied")
	}
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		p.emit(ev)
	}
}

func (p *Pipeline) emit(ev Event) {
	p.listenersMu.Lock()
	ls := make([]listener, len(p.listeners))
	copy(ls, p.listeners)
	p.listenersMu.Unlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

func (s *Snapshot) clone() Snapshot {
	out := *s
	out.Alerts = copyAlerts(s.Alerts)
	return out
}

func copyAlerts(in []plant.Alert) []plant.Alert {
	out := make([]plant.Alert, len(in))
	copy(out, in)
	return out
}
