package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"contest-arena/server/observability"
	"contest-arena/server/store"
)

const (
	registry = "docker.io/library/"

	// Hard ceiling for a worker container; per-question memory limits are
	// enforced inside via ulimit and checked against the verdict.
	workerMemoryCeiling = 512 * units.MiB

	workerPidsLimit int64 = 128
)

// PoolConfig sizes the sandbox pool.
type PoolConfig struct {
	Workers     int
	Image       string
	ScratchRoot string
	Grace       time.Duration // added to the question's time limit before SIGKILL
	QueueWait   time.Duration // max wait for a free worker before ErrBusy
}

// worker owns one long-lived runner container with the worker's scratch
// root bind-mounted read-write at /scratch. Each job gets its own
// subdirectory, destroyed on completion.
type worker struct {
	id          int
	containerID string
	scratch     string
}

// DockerPool is the production Runner: a bounded pool of keep-alive runner
// containers. Workers are recycled (container recreated) after any verdict
// other than ACCEPTED/WRONG_ANSWER so one submission cannot pollute the
// next.
type DockerPool struct {
	cli  *client.Client
	cfg  PoolConfig
	idle chan *worker
}

func NewDockerPool(ctx context.Context, cfg PoolConfig) (*DockerPool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	p := &DockerPool{cli: cli, cfg: cfg, idle: make(chan *worker, cfg.Workers)}

	if rc, err := cli.ImagePull(ctx, registry+cfg.Image, image.PullOptions{}); err != nil {
		// A locally built runner image is fine; the pull is best-effort.
		log.Printf("sandbox: image pull %s: %v", cfg.Image, err)
	} else {
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
	}

	for i := 0; i < cfg.Workers; i++ {
		w, err := p.startWorker(ctx, i)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("start worker %d: %w", i, err)
		}
		p.idle <- w
	}
	return p, nil
}

func (p *DockerPool) startWorker(ctx context.Context, id int) (*worker, error) {
	scratch := filepath.Join(p.cfg.ScratchRoot, fmt.Sprintf("worker-%d", id))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, err
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           p.cfg.Image,
			Cmd:             []string{"sleep", "infinity"},
			WorkingDir:      "/scratch",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds:          []string{scratch + ":/scratch"},
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Resources: container.Resources{
				Memory:    workerMemoryCeiling,
				NanoCPUs:  1e9, // one CPU
				PidsLimit: ptrInt64(workerPidsLimit),
			},
		}, nil, nil, "")
	if err != nil {
		return nil, err
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}
	return &worker{id: id, containerID: resp.ID, scratch: scratch}, nil
}

// Close tears down all workers currently idle.
func (p *DockerPool) Close(ctx context.Context) {
	for {
		select {
		case w := <-p.idle:
			_ = p.cli.ContainerRemove(ctx, w.containerID, container.RemoveOptions{Force: true})
		default:
			return
		}
	}
}

// Run executes a judging job. Saturation beyond QueueWait returns ErrBusy;
// a sandbox-level failure is retried once on a fresh worker and then
// surfaces as ErrSandbox.
func (p *DockerPool) Run(ctx context.Context, job *Job) (*RunResult, error) {
	waitStart := time.Now()
	var w *worker
	select {
	case w = <-p.idle:
	case <-time.After(p.cfg.QueueWait):
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	observability.SandboxQueueWait.Observe(time.Since(waitStart).Seconds())
	observability.SandboxWorkersBusy.Inc()
	defer observability.SandboxWorkersBusy.Dec()

	judgeStart := time.Now()
	res, verdictish, err := p.runOnWorker(ctx, w, job)
	if err != nil {
		// Sandbox failed before the user program got a fair run. One retry
		// on a recycled worker.
		log.Printf("sandbox: worker %d failed (%v), retrying on fresh worker", w.id, err)
		w = p.recycle(ctx, w, "sandbox_failure")
		res, verdictish, err = p.runOnWorker(ctx, w, job)
		if err != nil {
			log.Printf("sandbox: ALERT: second sandbox failure for submission %s: %v", job.SubmissionID, err)
			p.release(ctx, w, "sandbox_failure")
			return nil, ErrSandbox
		}
	}
	observability.JudgeRuntime.Observe(time.Since(judgeStart).Seconds())

	p.release(ctx, w, verdictish)
	return res, nil
}

// release returns a worker to the idle pool, recycling its container first
// when the run ended anomalously.
func (p *DockerPool) release(ctx context.Context, w *worker, verdictish string) {
	switch verdictish {
	case string(store.VerdictAccepted), string(store.VerdictWrongAnswer):
	default:
		w = p.recycle(ctx, w, verdictish)
	}
	p.idle <- w
}

// recycle recreates a worker's container. If recreation fails the old
// container is kept; it still isolates, just without a clean slate.
func (p *DockerPool) recycle(ctx context.Context, w *worker, reason string) *worker {
	observability.SandboxRecycles.WithLabelValues(reason).Inc()
	fresh, err := p.startWorker(ctx, w.id)
	if err != nil {
		log.Printf("sandbox: recycle worker %d: %v", w.id, err)
		return w
	}
	_ = p.cli.ContainerRemove(ctx, w.containerID, container.RemoveOptions{Force: true})
	return fresh
}

// runOnWorker stages the job into the worker's scratch, compiles, and runs
// each test under the per-question limits. The returned string is the
// worst verdict class observed, used for the recycle decision; err is set
// only for sandbox infrastructure failures.
func (p *DockerPool) runOnWorker(ctx context.Context, w *worker, job *Job) (*RunResult, string, error) {
	jobDir := fmt.Sprintf("job-%s", job.SubmissionID)
	hostDir := filepath.Join(w.scratch, jobDir)
	if err := os.MkdirAll(filepath.Join(hostDir, "tests"), 0o755); err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(hostDir)

	if err := p.stageJob(hostDir, job); err != nil {
		return nil, "", err
	}

	res := &RunResult{}

	// Compile step. The runner image ships the arena-judge driver, which
	// knows the per-language toolchains and the function-call harness.
	compileCmd := []string{
		"arena-judge", "compile",
		"--lang", job.Language,
		"--dir", "/scratch/" + jobDir,
	}
	if job.Kind != store.KindSandbox && job.FunctionName != "" {
		compileCmd = append(compileCmd, "--harness", job.FunctionName)
	}
	exit, _, stderr, err := p.exec(ctx, w, compileCmd, 60*time.Second)
	if err != nil {
		return nil, "", err
	}
	if exit != 0 {
		res.CompileOutput = stderr
		return res, string(store.VerdictCompileError), nil
	}
	res.Compiled = true

	limit := time.Duration(job.TimeLimitMs) * time.Millisecond
	kill := limit + p.cfg.Grace
	memKB := job.MemoryLimitMB * 1024
	worst := string(store.VerdictAccepted)

	for i, tc := range job.Tests {
		runCmd := []string{"/bin/sh", "-c", fmt.Sprintf(
			"ulimit -v %d; exec timeout -s KILL %.3f arena-judge run --dir /scratch/%s < /scratch/%s/tests/%d.in",
			memKB, kill.Seconds(), jobDir, jobDir, i,
		)}

		started := time.Now()
		exit, stdout, _, err := p.exec(ctx, w, runCmd, kill+5*time.Second)
		if err != nil {
			return nil, "", err
		}
		elapsed := time.Since(started)

		tr := TestRun{
			Output:    stdout,
			ExitCode:  exit,
			RuntimeMs: int(elapsed.Milliseconds()),
			MemoryKB:  p.peakMemoryKB(ctx, w),
		}
		tr.TimedOut, tr.OOMKilled = classifyRun(exit, elapsed, limit)
		switch {
		case tr.TimedOut:
			worst = string(store.VerdictTLE)
		case tr.OOMKilled:
			worst = string(store.VerdictMLE)
		case exit != 0:
			worst = string(store.VerdictRuntimeError)
		}
		res.Tests = append(res.Tests, tr)
		if tr.TimedOut || exit != 0 {
			return res, worst, nil
		}
		if !outputsMatch(stdout, tc.Expected) && worst == string(store.VerdictAccepted) {
			worst = string(store.VerdictWrongAnswer)
		}
	}
	return res, worst, nil
}

// classifyRun maps one test execution to its limit flags. Any run past the
// time limit is over time, whether the in-container kill timer fired (exit
// 137) or the program finished on its own just past the line. A SIGKILL
// inside the limit is the memory cap.
func classifyRun(exit int, elapsed, limit time.Duration) (timedOut, oomKilled bool) {
	if elapsed > limit {
		return true, false
	}
	if exit == 137 {
		return false, true
	}
	return false, false
}

// stageJob writes the user program and test inputs into the job directory.
func (p *DockerPool) stageJob(hostDir string, job *Job) error {
	src := filepath.Join(hostDir, "solution"+sourceExt(job.Language))
	if err := os.WriteFile(src, []byte(job.Code), 0o644); err != nil {
		return err
	}
	for i, tc := range job.Tests {
		in := filepath.Join(hostDir, "tests", fmt.Sprintf("%d.in", i))
		if err := os.WriteFile(in, []byte(tc.Input), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func sourceExt(lang string) string {
	switch strings.ToLower(lang) {
	case "python", "python3":
		return ".py"
	case "javascript", "node":
		return ".js"
	case "go", "golang":
		return ".go"
	case "java":
		return ".java"
	case "cpp", "c++":
		return ".cpp"
	default:
		return ".txt"
	}
}

// exec runs one command inside the worker container and returns its exit
// code, stdout, and stderr. The deadline is a backstop over the in-container
// timeout wrapper; hitting it kills the whole container.
func (p *DockerPool) exec(ctx context.Context, w *worker, cmd []string, deadline time.Duration) (int, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	created, err := p.cli.ContainerExecCreate(ctx, w.containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", "", err
	}
	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, "", "", err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err = <-copied:
		if err != nil && err != io.EOF {
			return 0, "", "", err
		}
	case <-ctx.Done():
		// Backstop fired: the exec is wedged past the in-container kill
		// timer, or the judging budget expired. Either way the sandbox,
		// not the user program, failed; kill the container and report an
		// error so the caller recycles instead of inventing a verdict.
		_ = p.cli.ContainerKill(context.Background(), w.containerID, "KILL")
		return 0, "", "", fmt.Errorf("exec backstop: %w", ctx.Err())
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, "", "", err
	}
	return inspect.ExitCode, stdout.String(), stderr.String(), nil
}

// peakMemoryKB samples the worker's current memory usage. One-shot stats
// right after the run is an approximation, good enough for reporting.
func (p *DockerPool) peakMemoryKB(ctx context.Context, w *worker) int {
	stats, err := p.cli.ContainerStatsOneShot(ctx, w.containerID)
	if err != nil {
		return 0
	}
	defer stats.Body.Close()
	var v struct {
		MemoryStats struct {
			MaxUsage uint64 `json:"max_usage"`
			Usage    uint64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := decodeJSON(stats.Body, &v); err != nil {
		return 0
	}
	peak := v.MemoryStats.MaxUsage
	if peak == 0 {
		peak = v.MemoryStats.Usage
	}
	return int(peak / 1024)
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func ptrInt64(v int64) *int64 { return &v }
