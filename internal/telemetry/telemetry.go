// Package telemetry reports per-GPU VRAM totals by shelling out to
// nvidia-smi, and the machine's hostname by shelling out to hostname.
// VRAM figures are never memoized: every scheduling decision calls the probe
// fresh, since the whole point is to observe live VRAM pressure. The
// hostname is resolved once, when the probe is constructed.
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Pop101/SlowChat/internal/logging"
)

// ErrUnavailable indicates that the telemetry probe could not be queried,
// either because nvidia-smi exited non-zero or its output could not be
// parsed.
var ErrUnavailable = errors.New("telemetry unavailable")

var nonDigit = regexp.MustCompile(`\D`)

// Prober reports live per-GPU VRAM figures, in mebibytes, ordered by GPU
// index.
type Prober interface {
	Total(ctx context.Context) ([]int, error)
	Used(ctx context.Context) ([]int, error)
	Free(ctx context.Context) ([]int, error)
	Hostname() string
}

// NvidiaSMI is a Prober backed by the nvidia-smi CLI.
type NvidiaSMI struct {
	log logging.Logger
	// hostname caches the hostname lookup; it does not change at runtime,
	// unlike VRAM figures, so unlike the VRAM queries this one is computed
	// once (at construction) and reused.
	hostname string
}

// NewNvidiaSMI constructs a probe and resolves the hostname once up front.
func NewNvidiaSMI(log logging.Logger) *NvidiaSMI {
	return &NvidiaSMI{log: log, hostname: queryHostname()}
}

func queryHostname() string {
	out, err := exec.Command("hostname").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// Hostname returns the machine's hostname, or "unknown" if it could not be
// determined at startup.
func (p *NvidiaSMI) Hostname() string {
	return p.hostname
}

func (p *NvidiaSMI) query(ctx context.Context, field string) ([]int, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		fmt.Sprintf("--query-gpu=memory.%s", field),
		"--format=csv,nounits,noheader")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, field, firstLine(stderr.String(), err))
	}

	return parseCSVInts(stdout.String(), field)
}

// parseCSVInts parses one integer per line, stripping any non-digit
// characters first (nvidia-smi's --format=csv,nounits,noheader still
// occasionally includes a unit suffix depending on driver version).
func parseCSVInts(out, field string) ([]int, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	values := make([]int, 0, len(lines))
	for _, line := range lines {
		digits := nonDigit.ReplaceAllString(line, "")
		if digits == "" {
			return nil, fmt.Errorf("%w: unparsable %s line %q", ErrUnavailable, field, line)
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return nil, fmt.Errorf("%w: unparsable %s line %q: %v", ErrUnavailable, field, line, err)
		}
		values = append(values, n)
	}
	return values, nil
}

func firstLine(s string, fallback error) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.Error()
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Total returns each GPU's total VRAM in MiB.
func (p *NvidiaSMI) Total(ctx context.Context) ([]int, error) {
	return p.query(ctx, "total")
}

// Used returns each GPU's currently used VRAM in MiB.
func (p *NvidiaSMI) Used(ctx context.Context) ([]int, error) {
	return p.query(ctx, "used")
}

// Free returns each GPU's currently free VRAM in MiB.
func (p *NvidiaSMI) Free(ctx context.Context) ([]int, error) {
	return p.query(ctx, "free")
}

// Snapshot is a point-in-time reading of all three queries, taken together
// so a scheduling decision observes a single consistent view (modulo the
// unavoidable race between the three subprocess calls).
type Snapshot struct {
	Total, Used, Free []int
}

// Probe takes a fresh Total/Used/Free reading. Called at the start of every
// planning pass; results are never cached across calls.
func Probe(ctx context.Context, p Prober) (Snapshot, error) {
	total, err := p.Total(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	used, err := p.Used(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	free, err := p.Free(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Total: total, Used: used, Free: free}, nil
}

// MaxTotal returns the single largest per-GPU total VRAM figure, used to
// reject loads that could never fit on any GPU regardless of eviction.
func (s Snapshot) MaxTotal() int {
	max := 0
	for _, t := range s.Total {
		if t > max {
			max = t
		}
	}
	return max
}

// PollInterval and PollTimeout bound how long the lifecycle controller will
// wait for a freshly spawned backend to show up in VRAM usage.
const (
	PollInterval = 250 * time.Millisecond
	PollTimeout  = 10 * time.Second
)
