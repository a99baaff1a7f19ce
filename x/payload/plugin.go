package payload

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/rs/zerolog"
)

// ErrUnknownPlugin indicates the plugin name is not registered.
var ErrUnknownPlugin = errors.New("payload: unknown batch plugin")

// SubmitSpec carries everything a batch plug-in needs to submit the payload
// job.
type SubmitSpec struct {
	WorkDir      string
	Queue        string
	Partition    string
	Repo         string
	Nodes        int
	CoresPerNode int
	WalltimeM    int
	Setup        string
	JobsFile     string
	RangesFile   string
}

// BatchPlugin submits the payload to one batch system flavor and observes
// it.
type BatchPlugin interface {
	Name() string
	Submit(ctx context.Context, spec SubmitSpec) (batchID string, err error)
	Poll(ctx context.Context, batchID string) (State, error)
	Cancel(ctx context.Context, batchID string) error
	FreeResources(ctx context.Context, res siteinfo.Resources) (nodes, coresPerNode, walltimeM int, err error)
}

// NewPlugin selects a batch plug-in by catchall name. Default is pbs.
func NewPlugin(name string, logger zerolog.Logger) (BatchPlugin, error) {
	switch strings.ToLower(name) {
	case "", "pbs":
		return &pbsPlugin{logger: logger.With().Str("plugin", "pbs").Logger()}, nil
	case "slurm":
		return &slurmPlugin{logger: logger.With().Str("plugin", "slurm").Logger()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
}

// runCommand is swapped out by plugin tests.
var runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// pbsPlugin drives PBS/Torque via qsub/qstat/qdel.
type pbsPlugin struct {
	logger zerolog.Logger
}

func (p *pbsPlugin) Name() string { return "pbs" }

func (p *pbsPlugin) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	args := []string{
		"-q", spec.Queue,
		"-l", fmt.Sprintf("mppwidth=%d", spec.Nodes*spec.CoresPerNode),
		"-l", fmt.Sprintf("walltime=%02d:%02d:00", spec.WalltimeM/60, spec.WalltimeM%60),
		"-d", spec.WorkDir,
	}
	if spec.Repo != "" {
		args = append(args, "-A", spec.Repo)
	}
	args = append(args, spec.JobsFile)

	out, err := runCommand(ctx, "qsub", args...)
	if err != nil {
		return "", fmt.Errorf("payload: qsub: %v: %s", err, out)
	}
	batchID := strings.TrimSpace(out)
	p.logger.Info().Str("batch_id", batchID).Msg("payload submitted")
	return batchID, nil
}

func (p *pbsPlugin) Poll(ctx context.Context, batchID string) (State, error) {
	out, err := runCommand(ctx, "qstat", "-f", batchID)
	if err != nil {
		// qstat forgets finished jobs; treat unknown as complete.
		if strings.Contains(out, "Unknown Job Id") {
			return StateComplete, nil
		}
		return "", fmt.Errorf("payload: qstat: %v: %s", err, out)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "job_state") {
			continue
		}
		_, value, _ := strings.Cut(line, "=")
		switch strings.TrimSpace(value) {
		case "Q", "H", "W":
			return StateQueued, nil
		case "R", "E":
			return StateRunning, nil
		case "C":
			return StateComplete, nil
		}
	}
	return StateQueued, nil
}

func (p *pbsPlugin) Cancel(ctx context.Context, batchID string) error {
	_, err := runCommand(ctx, "qdel", batchID)
	return err
}

func (p *pbsPlugin) FreeResources(_ context.Context, res siteinfo.Resources) (int, int, int, error) {
	nodes := res.Nodes
	if nodes > res.MaxNodes {
		nodes = res.MaxNodes
	}
	if nodes < res.MinNodes {
		nodes = res.MinNodes
	}
	walltime := res.WalltimeM
	if walltime > res.MaxWalltimeM {
		walltime = res.MaxWalltimeM
	}
	if walltime < res.MinWalltimeM {
		walltime = res.MinWalltimeM
	}
	return nodes, res.CPUPerNode, walltime, nil
}

// slurmPlugin drives SLURM via sbatch/squeue/scancel.
type slurmPlugin struct {
	logger zerolog.Logger
}

func (p *slurmPlugin) Name() string { return "slurm" }

func (p *slurmPlugin) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	args := []string{
		"--parsable",
		fmt.Sprintf("--nodes=%d", spec.Nodes),
		fmt.Sprintf("--ntasks-per-node=%d", spec.CoresPerNode),
		fmt.Sprintf("--time=%d", spec.WalltimeM),
		fmt.Sprintf("--chdir=%s", spec.WorkDir),
	}
	if spec.Partition != "" {
		args = append(args, fmt.Sprintf("--partition=%s", spec.Partition))
	}
	if spec.Repo != "" {
		args = append(args, fmt.Sprintf("--account=%s", spec.Repo))
	}
	args = append(args, spec.JobsFile)

	out, err := runCommand(ctx, "sbatch", args...)
	if err != nil {
		return "", fmt.Errorf("payload: sbatch: %v: %s", err, out)
	}
	// --parsable prints "jobid[;cluster]".
	batchID, _, _ := strings.Cut(strings.TrimSpace(out), ";")
	p.logger.Info().Str("batch_id", batchID).Msg("payload submitted")
	return batchID, nil
}

func (p *slurmPlugin) Poll(ctx context.Context, batchID string) (State, error) {
	out, err := runCommand(ctx, "squeue", "-h", "-j", batchID, "-o", "%T")
	if err != nil || strings.TrimSpace(out) == "" {
		// Gone from the queue: finished one way or another.
		return StateComplete, nil
	}
	switch strings.TrimSpace(out) {
	case "PENDING", "CONFIGURING":
		return StateQueued, nil
	case "RUNNING", "COMPLETING":
		return StateRunning, nil
	case "COMPLETED":
		return StateComplete, nil
	case "FAILED", "TIMEOUT", "CANCELLED", "NODE_FAIL", "PREEMPTED":
		return StateFailed, nil
	default:
		return StateQueued, nil
	}
}

func (p *slurmPlugin) Cancel(ctx context.Context, batchID string) error {
	_, err := runCommand(ctx, "scancel", batchID)
	return err
}

func (p *slurmPlugin) FreeResources(ctx context.Context, res siteinfo.Resources) (int, int, int, error) {
	// SLURM sites size backfill from sinfo when available; fall back to
	// the configured window.
	nodes := res.Nodes
	if out, err := runCommand(ctx, "sinfo", "-h", "-p", res.Partition, "-o", "%A"); err == nil {
		// "allocated/idle"
		if _, idle, ok := strings.Cut(strings.TrimSpace(out), "/"); ok {
			var free int
			if _, serr := fmt.Sscanf(idle, "%d", &free); serr == nil && free > 0 {
				nodes = free
			}
		}
	}
	if nodes > res.MaxNodes {
		nodes = res.MaxNodes
	}
	if nodes < res.MinNodes {
		nodes = res.MinNodes
	}
	walltime := res.WalltimeM
	if walltime > res.MaxWalltimeM {
		walltime = res.MaxWalltimeM
	}
	if walltime < res.MinWalltimeM {
		walltime = res.MinWalltimeM
	}
	return nodes, res.CPUPerNode, walltime, nil
}
