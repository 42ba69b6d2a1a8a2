// Package lifecycle serializes model load and unload operations: it is the
// only component that spawns or terminates backend processes, and the only
// writer of the residency table.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/Pop101/SlowChat/internal/catalog"
	"github.com/Pop101/SlowChat/internal/logging"
	"github.com/Pop101/SlowChat/internal/residency"
	"github.com/Pop101/SlowChat/internal/scheduler"
	"github.com/Pop101/SlowChat/internal/telemetry"
)

// Sentinel errors mapped to HTTP statuses by the router.
var (
	ErrModelUnknown         = errors.New("model unknown")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrSpawnFailed          = errors.New("spawn failed")
)

// learnedVRAMThresholdMiB is the minimum observed VRAM delta before the
// catalog's learned estimate is updated; small deltas are assumed to be
// noise rather than the model's actual footprint.
const learnedVRAMThresholdMiB = 300

// learnedVRAMMargin pads the observed delta to absorb fragmentation and
// allocator growth between the probe and steady state.
const learnedVRAMMargin = 1.05

// terminateGrace is how long evict waits after a graceful signal before
// forcing termination.
const terminateGrace = 5 * time.Second

// Controller serializes all lifecycle transitions behind a single
// process-wide lock, per the concurrency model: the planner reads live
// telemetry and residency together, so concurrent planning would race on
// VRAM accounting.
type Controller struct {
	log       logging.Logger
	catalog   *catalog.Catalog
	residency *residency.Table
	probe     telemetry.Prober
	metrics   MetricsSink

	// guard is a buffered size-1 channel used as a pollable mutex: the
	// single element must be held to mutate residency or run a
	// plan-then-spawn sequence. A channel (rather than sync.Mutex) lets
	// lock acquisition be cancelled by a request's context.
	guard chan struct{}
}

// MetricsSink receives eviction counts as they occur. Satisfied by
// *telemetry.Metrics; kept as an interface so tests need not wire Prometheus.
type MetricsSink interface {
	IncEvictions()
}

// New constructs a Controller. probe is queried fresh on every load decision.
func New(log logging.Logger, cat *catalog.Catalog, table *residency.Table, probe telemetry.Prober, metrics MetricsSink) *Controller {
	c := &Controller{
		log:       logging.Component(log, "lifecycle"),
		catalog:   cat,
		residency: table,
		probe:     probe,
		metrics:   metrics,
		guard:     make(chan struct{}, 1),
	}
	c.guard <- struct{}{}
	return c
}

func (c *Controller) lock(ctx context.Context) bool {
	select {
	case <-c.guard:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) unlock() {
	c.guard <- struct{}{}
}

// EnsureLoaded guarantees that name is resident by the time it returns
// successfully, spawning it (after evicting whatever the planner selects) if
// necessary. Concurrent calls for the same unresident model result in
// exactly one spawn: the losers block on the lock and observe it resident on
// re-check.
func (c *Controller) EnsureLoaded(ctx context.Context, name string) error {
	spec, err := c.catalog.Get(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelUnknown, name)
	}
	if spec.Remote() {
		return nil
	}

	if !c.lock(ctx) {
		return ctx.Err()
	}
	defer c.unlock()

	if c.residency.Contains(name) {
		return nil
	}

	desired := scheduler.EstimateVRAM(name, spec.VRAM)

	snap, err := telemetry.Probe(ctx, c.probe)
	if err != nil {
		return err
	}
	if snap.MaxTotal() < desired {
		return fmt.Errorf("%w: %s needs %d MiB, largest GPU has %d MiB", ErrInsufficientCapacity, name, desired, snap.MaxTotal())
	}

	usedBefore := append([]int(nil), snap.Used...)

	vram := func(modelName string) int {
		victimSpec, err := c.catalog.Get(modelName)
		if err != nil {
			return scheduler.EstimateVRAM(modelName, nil)
		}
		return scheduler.EstimateVRAM(modelName, victimSpec.VRAM)
	}

	gpu, victims, err := scheduler.Plan(ctx, desired, c.residency.Snapshot(), scheduler.GPUState{Total: snap.Total, Used: snap.Used}, vram)
	if err != nil {
		return err
	}

	for _, victim := range victims {
		c.terminate(victim)
		if c.metrics != nil {
			c.metrics.IncEvictions()
		}
	}

	proc, err := c.spawn(spec.LoadCommand)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, name, err)
	}

	now := time.Now()
	c.residency.Insert(name, proc, gpu, now)

	c.learnVRAM(ctx, name, gpu, usedBefore)

	return nil
}

// spawn starts load as a detached child process in its own process group, so
// the whole process tree can be signaled at eviction time.
func (c *Controller) spawn(load string) (*os.Process, error) {
	args, err := shellwords.Parse(load)
	if err != nil || len(args) == 0 {
		return nil, fmt.Errorf("parsing load command %q: %w", load, err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Process, nil
}

// learnVRAM polls used[gpu] for up to telemetry.PollTimeout, updating the
// catalog's learned estimate once the observed delta clears the noise
// threshold. This resolves an open question the source left ambiguous (it
// reads used_vram immediately after spawn, before the backend has
// necessarily allocated): we instead poll until the delta shows up or the
// timeout elapses.
func (c *Controller) learnVRAM(ctx context.Context, name string, gpu int, usedBefore []int) {
	deadline := time.Now().Add(telemetry.PollTimeout)
	ticker := time.NewTicker(telemetry.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		used, err := c.probe.Used(ctx)
		if err != nil || gpu >= len(used) || gpu >= len(usedBefore) {
			if time.Now().After(deadline) {
				return
			}
			continue
		}

		delta := used[gpu] - usedBefore[gpu]
		if delta > learnedVRAMThresholdMiB {
			c.catalog.UpdateVRAM(name, int(math.Ceil(float64(delta)*learnedVRAMMargin)))
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

// Evict terminates name's process and removes its residency entry. No-op if
// name is not resident.
func (c *Controller) Evict(ctx context.Context, name string) error {
	if !c.lock(ctx) {
		return ctx.Err()
	}
	defer c.unlock()
	c.terminate(name)
	return nil
}

// terminate sends SIGTERM, waits up to terminateGrace, then SIGKILLs the
// whole process group if the process hasn't exited. Caller must hold the
// lock.
func (c *Controller) terminate(name string) {
	entry, ok := c.residency.Remove(name)
	if !ok || entry.Process == nil {
		return
	}

	_ = entry.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = entry.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(terminateGrace):
		_ = syscall.Kill(-entry.Process.Pid, syscall.SIGKILL)
	}
}

// MarkUsed refreshes name's last-used timestamp; a no-op if not resident.
func (c *Controller) MarkUsed(name string, now time.Time) {
	c.residency.Touch(name, now)
}

// Shutdown terminates every resident process, for a graceful server exit.
func (c *Controller) Shutdown(ctx context.Context) {
	if !c.lock(ctx) {
		return
	}
	defer c.unlock()
	for _, m := range c.residency.Snapshot() {
		c.terminate(m.Name)
	}
}

// IdleSweep evicts every resident model whose last-used timestamp is older
// than maxIdle. Run periodically by the server's idle-sweep loop; not part
// of the source program, which never idled out models on its own.
func (c *Controller) IdleSweep(ctx context.Context, maxIdle time.Duration) {
	if !c.lock(ctx) {
		return
	}
	defer c.unlock()

	now := time.Now()
	for _, m := range c.residency.Snapshot() {
		if now.Sub(m.LastUsed) > maxIdle {
			c.log.WithField("model", m.Name).Info("evicting idle model")
			c.terminate(m.Name)
		}
	}
}
