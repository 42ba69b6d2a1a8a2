// Package scheduler implements the eviction planner: given a VRAM need, the
// current residency, and a fresh telemetry snapshot, it chooses a target GPU
// and a minimum-cost set of resident models to evict.
//
// There is no MIP/ILP solver library anywhere in this module's dependency
// graph (the program this gateway descends from called into Google OR-Tools
// directly, which has no Go bindings available here), so the planner
// searches the small combinatorial space by hand: per GPU, the models
// sharing that GPU are few enough (VRAM is scarce; a handful of resident
// models per device is the realistic ceiling) that an exhaustive,
// smallest-subset-first search reaches the same answer an ILP solver would,
// within the same 1500ms budget.
package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Pop101/SlowChat/internal/residency"
)

// ErrEvictionInfeasible indicates that no GPU can be made to fit the desired
// VRAM even by evicting every model resident on it, or that the search
// exhausted its wall-clock budget before finding a feasible plan.
var ErrEvictionInfeasible = errors.New("no feasible eviction plan within budget")

// SolveBudget bounds how long Plan will search before giving up.
const SolveBudget = 1500 * time.Millisecond

// defaultVRAMEstimateMiB is used when a model's name carries no recognizable
// size token.
const defaultVRAMEstimateMiB = 8000

var sizeToken = regexp.MustCompile(`(\d+(?:[._]\d+)?)([bkBK])`)

// EstimateVRAM returns a model's estimated VRAM footprint in MiB. If
// catalogEstimate is non-nil, it is returned unchanged (an explicit or
// previously learned value always wins). Otherwise the model's name is
// parsed for a decimal number immediately followed by a b/B (billions of
// parameters, treated 1:1 as MiB post-quantization) or k/K (thousands)
// suffix; the first such token wins. If no token matches, a conservative
// default is used.
func EstimateVRAM(modelName string, catalogEstimate *int) int {
	if catalogEstimate != nil {
		return *catalogEstimate
	}

	match := sizeToken.FindStringSubmatch(modelName)
	if match == nil {
		return defaultVRAMEstimateMiB
	}

	number := strings.ReplaceAll(match[1], "_", ".")
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return defaultVRAMEstimateMiB
	}

	// Truncate the numeric token to an integer before applying the unit
	// multiplier: "7.1b" is 7 (not 7.1) billion parameters.
	whole := int(value)

	var multiplier int
	switch strings.ToLower(match[2]) {
	case "b":
		multiplier = 1_000_000_000
	case "k":
		multiplier = 1_000
	default:
		multiplier = 1
	}

	return whole * multiplier
}

// GPUState is a fresh per-GPU telemetry snapshot, ordered by GPU index.
type GPUState struct {
	Total []int
	Used  []int
}

// estimator resolves a resident model's VRAM footprint; it is the planner's
// only dependency on the catalog, kept narrow so tests can supply a fake.
type estimator func(name string) int

// Plan chooses a GPU and a set of victim models to evict so that the chosen
// GPU ends up with at least `desired` MiB of free VRAM. residents is a
// Snapshot of the residency table (the planner never holds the table's
// lock). vram resolves a resident model's estimated footprint.
func Plan(ctx context.Context, desired int, residents []residency.ResidentModel, gpus GPUState, vram estimator) (gpu int, victims []string, err error) {
	free := make([]int, len(gpus.Total))
	for i := range gpus.Total {
		free[i] = gpus.Total[i] - gpus.Used[i]
	}

	// Early exit: if any GPU already has enough free VRAM, no eviction is
	// needed and the solver is never invoked.
	for i, f := range free {
		if f >= desired {
			return i, nil, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, SolveBudget)
	defer cancel()

	// Partition resident models by GPU.
	byGPU := make(map[int][]residency.ResidentModel)
	for _, r := range residents {
		byGPU[r.GPUIndex] = append(byGPU[r.GPUIndex], r)
	}

	now := time.Now()

	var best *candidate

	for i := range gpus.Total {
		select {
		case <-ctx.Done():
			if best == nil {
				return 0, nil, ErrEvictionInfeasible
			}
			return best.gpu, best.victims, nil
		default:
		}

		models := byGPU[i]
		found, ok := smallestSufficientSubset(ctx, desired, gpus.Total[i], gpus.Used[i], models, vram)
		if !ok {
			continue
		}

		age := time.Duration(0)
		for _, m := range found {
			age += now.Sub(residentByName(models, m).LastUsed)
		}

		c := candidate{gpu: i, victims: found, count: len(found), age: age}
		if best == nil || better(c, *best) {
			best = &c
		}
	}

	if best == nil {
		return 0, nil, ErrEvictionInfeasible
	}
	return best.gpu, best.victims, nil
}

// candidate is a scored (gpu, victim set) pairing evaluated during the
// search.
type candidate struct {
	gpu     int
	victims []string
	count   int
	age     time.Duration // sum of ages of evicted models; tie-break maximizes this
}

// better implements the lexicographic comparison that mirrors the weighted
// objective 1000*count - sum(age) from the original formulation: fewer
// evictions always wins; among equal-sized eviction sets, the one evicting
// staler (larger total age) models wins.
func better(a, b candidate) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	return a.age > b.age
}

func residentByName(models []residency.ResidentModel, name string) residency.Entry {
	for _, m := range models {
		if m.Name == name {
			return m.Entry
		}
	}
	return residency.Entry{}
}

// smallestSufficientSubset enumerates subsets of models resident on a single
// GPU in increasing order of size and, at the first size that has any
// subset whose eviction frees enough VRAM on that GPU, returns the
// least-recently-used such subset (see findSubsetOfSize), along with whether
// any subset (including evicting everything) is sufficient at all.
func smallestSufficientSubset(ctx context.Context, desired, total, used int, models []residency.ResidentModel, vram estimator) ([]string, bool) {
	n := len(models)
	if n > 20 {
		// Defensive bound: realistic deployments keep a handful of models
		// resident per GPU. Cap the search rather than enumerating 2^n
		// subsets for pathological inputs; fall back to a greedy
		// largest-first eviction so the gateway still makes progress.
		return greedyFallback(desired, total, used, models, vram)
	}

	for size := 0; size <= n; size++ {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
		if victims, ok := findSubsetOfSize(desired, total, used, models, vram, size); ok {
			return victims, true
		}
	}
	return nil, false
}

// findSubsetOfSize searches all subsets of the given size (via combination
// index enumeration) for those whose eviction frees enough VRAM, and among
// those returns the one with the greatest total victim age (i.e. the
// least-recently-used models), per spec.md §4.4's tie-break. Returning the
// first sufficient subset in enumeration order would make the choice
// depend on the residency snapshot's (arbitrary, map-iteration-derived)
// ordering rather than on recency.
func findSubsetOfSize(desired, total, used int, models []residency.ResidentModel, vram estimator, size int) ([]string, bool) {
	n := len(models)
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	if size == 0 {
		if total-used >= desired {
			return nil, true
		}
		return nil, false
	}

	var (
		bestVictims  []string
		bestLastUsed int64
		found        bool
	)

	for {
		freed := 0
		for _, idx := range indices {
			freed += vram(models[idx].Name)
		}
		if total-(used-freed) >= desired {
			// Maximizing total age (now - last_used, summed) is equivalent,
			// for a fixed subset size, to minimizing the sum of last_used
			// timestamps: the "now" term and the count of terms are the
			// same across all candidates of this size.
			var sumLastUsed int64
			for _, idx := range indices {
				sumLastUsed += models[idx].LastUsed.UnixNano()
			}
			if !found || sumLastUsed < bestLastUsed {
				victims := make([]string, size)
				for i, idx := range indices {
					victims[i] = models[idx].Name
				}
				bestVictims = victims
				bestLastUsed = sumLastUsed
				found = true
			}
		}

		// Advance to the next combination (standard lexicographic-order
		// combination enumeration).
		i := size - 1
		for i >= 0 && indices[i] == i+n-size {
			i--
		}
		if i < 0 {
			return bestVictims, found
		}
		indices[i]++
		for j := i + 1; j < size; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
}

// greedyFallback evicts largest-VRAM models first until enough is freed,
// used only when the per-GPU resident count is too large to exhaustively
// search within budget.
func greedyFallback(desired, total, used int, models []residency.ResidentModel, vram estimator) ([]string, bool) {
	ordered := append([]residency.ResidentModel(nil), models...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if vram(ordered[j].Name) > vram(ordered[i].Name) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	var victims []string
	freed := 0
	for _, m := range ordered {
		if total-(used-freed) >= desired {
			break
		}
		freed += vram(m.Name)
		victims = append(victims, m.Name)
	}
	if total-(used-freed) >= desired {
		return victims, true
	}
	return nil, false
}
