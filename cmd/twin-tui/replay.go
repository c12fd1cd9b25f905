package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"topiary/internal/config"
	"topiary/internal/inputs"
	"topiary/internal/plant"
	"topiary/internal/twin"
)

const (
	defaultSettle = 3 * time.Second
	idlePoll      = 10 * time.Millisecond
)

// replayScript is a timed sequence of operator edits, e.g.
//
//	start: {sulfur_in: 100, adm1: 150, adm2: 150, adm3: 150}
//	settle: 2s
//	steps:
//	  - set: {adm1: 170}
//	  - after: 50ms
//	    nudge: {adm2: -10}
//	  - after: 1s
//	    resync: true
type replayScript struct {
	Start  *plant.Setpoints `yaml:"start,omitempty"`
	Settle time.Duration    `yaml:"settle,omitempty"`
	Steps  []replayStep     `yaml:"steps"`
}

type replayStep struct {
	After  time.Duration      `yaml:"after,omitempty"`
	Set    map[string]float64 `yaml:"set,omitempty"`
	Nudge  map[string]float64 `yaml:"nudge,omitempty"`
	Resync bool               `yaml:"resync,omitempty"`
}

type replaySummary struct {
	Issued  uint64
	Applied uint64
	Stale   int
	Failed  int
	Final   plant.Setpoints
}

func parseReplayScript(data []byte) (*replayScript, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var script replayScript
	if err := dec.Decode(&script); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("replay script is empty")
		}
		return nil, fmt.Errorf("failed to parse replay script: %w", err)
	}
	if len(script.Steps) == 0 {
		return nil, errors.New("replay script has no steps")
	}
	for i, step := range script.Steps {
		if step.After < 0 {
			return nil, fmt.Errorf("step %d: after must not be negative", i+1)
		}
		if len(step.Set) == 0 && len(step.Nudge) == 0 && !step.Resync {
			return nil, fmt.Errorf("step %d: nothing to do (want set, nudge or resync)", i+1)
		}
		for _, edits := range []map[string]float64{step.Set, step.Nudge} {
			for field := range edits {
				if _, ok := plant.DefaultSetpoints().Get(field); !ok {
					return nil, fmt.Errorf("step %d: %w: %q", i+1, inputs.ErrUnknownField, field)
				}
			}
		}
	}
	if script.Settle <= 0 {
		script.Settle = defaultSettle
	}
	return &script, nil
}

func newReplayCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE",
		Short: "Play a YAML script of timed setpoint edits through the debounced twin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, client, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read replay script: %w", err)
			}
			script, err := parseReplayScript(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			summary, err := runReplay(cmd.Context(), script, client, cfg, logger, out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "done: %d issued, %d applied, %d stale, %d failed · final %s\n",
				summary.Issued, summary.Applied, summary.Stale, summary.Failed, summary.Final)
			return err
		},
	}
}

// runReplay drives a fresh input store and pipeline with the script, printing every
// pipeline event to out. It returns once the pipeline is idle after the last step or the
// settle time runs out.
func runReplay(ctx context.Context, script *replayScript, sim twin.Simulator, cfg *config.Config, logger logrus.FieldLogger, out io.Writer) (replaySummary, error) {
	start := cfg.InitialSetpoints
	if script.Start != nil {
		start = *script.Start
	}
	store := inputs.NewStore(start, logger)
	pipeline := twin.New(store, sim, twin.Options{QuietPeriod: cfg.Debounce, Logger: logger})
	defer pipeline.Close()

	var (
		mu     sync.Mutex
		failed int
	)
	pipeline.Subscribe(func(ev twin.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == twin.EventFailed {
			failed++
		}
		fmt.Fprintln(out, describeEvent(ev))
	})
	if err := pipeline.Start(); err != nil {
		return replaySummary{}, err
	}

	for i, step := range script.Steps {
		if err := sleepCtx(ctx, step.After); err != nil {
			return replaySummary{}, err
		}
		if err := applyStep(store, pipeline, step); err != nil {
			return replaySummary{}, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	deadline := time.Now().Add(script.Settle)
	for !pipeline.Idle() && time.Now().Before(deadline) {
		if err := sleepCtx(ctx, idlePoll); err != nil {
			return replaySummary{}, err
		}
	}
	pipeline.Close()

	issued, applied, stale := pipeline.Stats()
	mu.Lock()
	defer mu.Unlock()
	return replaySummary{Issued: issued, Applied: applied, Stale: stale, Failed: failed, Final: store.Snapshot()}, nil
}

// applyStep performs set edits before nudges, each in display order.
func applyStep(store *inputs.Store, pipeline *twin.Pipeline, step replayStep) error {
	for _, field := range plant.Fields {
		if v, ok := step.Set[field]; ok {
			if _, err := store.Set(field, v); err != nil {
				return err
			}
		}
	}
	for _, field := range plant.Fields {
		if d, ok := step.Nudge[field]; ok {
			if _, err := store.Nudge(field, d); err != nil {
				return err
			}
		}
	}
	if step.Resync {
		pipeline.Resync()
	}
	return nil
}

func describeEvent(ev twin.Event) string {
	switch ev.Kind {
	case twin.EventApplied:
		line := fmt.Sprintf("seq=%d applied %s · power %s MW · MP %s bar", ev.Seq, ev.Setpoints,
			formatFixed(ev.Snapshot.State.Meta.TotalPower, 1), formatFixed(ev.Snapshot.State.MPPressure, 2))
		for _, a := range ev.Snapshot.Alerts {
			line += fmt.Sprintf("\n  [%s] %s", a.Severity, a.Message)
		}
		return line
	case twin.EventFailed:
		return fmt.Sprintf("seq=%d failed %s: %v", ev.Seq, ev.Setpoints, ev.Err)
	default:
		return fmt.Sprintf("seq=%d %s %s", ev.Seq, ev.Kind, ev.Setpoints)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
