package judge

import (
	"context"
	"errors"

	"contest-arena/server/store"
)

var (
	// ErrBusy means no sandbox worker freed up within the queue-wait
	// timeout, or the pipeline is throttling the user. Retryable.
	ErrBusy = errors.New("judging capacity exhausted")

	// ErrSandbox means the sandbox itself failed (not the user program),
	// even after a retry on a fresh worker.
	ErrSandbox = errors.New("sandbox failure")
)

// Job is one code-judging request handed to a Runner. For CODING/DSA
// questions the runner shapes each test input into the function-call
// harness around FunctionName; SANDBOX questions pipe raw stdin.
type Job struct {
	SubmissionID  string
	Kind          store.QuestionKind
	Language      string
	Code          string
	FunctionName  string
	Tests         []store.TestCase
	TimeLimitMs   int
	MemoryLimitMB int
}

// TestRun is the raw outcome of one test execution.
type TestRun struct {
	Output    string
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
	RuntimeMs int
	MemoryKB  int
}

// RunResult is what a Runner reports back; verdict reduction happens in
// judgeCode, not in the runner.
type RunResult struct {
	Compiled      bool
	CompileOutput string
	Tests         []TestRun // prefix of Job.Tests; short on early exit
}

// Runner executes a judging job in isolation. The Docker pool is the
// production implementation; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, job *Job) (*RunResult, error)
}

// codeOutcome is a reduced run: one verdict plus the reported stats.
type codeOutcome struct {
	Verdict         store.Verdict
	TestCasesPassed int
	TestCasesTotal  int
	RuntimeMs       int
	MemoryKB        int
}

// judgeCode reduces per-test outcomes to a single verdict:
// compile failure short-circuits; then the first over-time, over-memory,
// crashing, or mismatching test decides TLE, MLE, RUNTIME_ERROR, or
// WRONG_ANSWER respectively; a clean sweep is ACCEPTED. Passed counts and
// max runtime/memory cover only the tests that actually ran.
func judgeCode(job *Job, res *RunResult) codeOutcome {
	out := codeOutcome{TestCasesTotal: len(job.Tests)}

	if !res.Compiled {
		out.Verdict = store.VerdictCompileError
		return out
	}

	verdict := store.VerdictAccepted
	for i, tr := range res.Tests {
		if tr.RuntimeMs > out.RuntimeMs {
			out.RuntimeMs = tr.RuntimeMs
		}
		if tr.MemoryKB > out.MemoryKB {
			out.MemoryKB = tr.MemoryKB
		}
		switch {
		case tr.TimedOut:
			return withVerdict(out, store.VerdictTLE)
		case tr.OOMKilled:
			return withVerdict(out, store.VerdictMLE)
		case tr.ExitCode != 0:
			return withVerdict(out, store.VerdictRuntimeError)
		case !outputsMatch(tr.Output, job.Tests[i].Expected):
			return withVerdict(out, store.VerdictWrongAnswer)
		}
		out.TestCasesPassed++
	}
	if out.TestCasesPassed < out.TestCasesTotal {
		// The runner stopped early without flagging a failure; do not
		// accept a partial run.
		verdict = store.VerdictRuntimeError
	}
	return withVerdict(out, verdict)
}

func withVerdict(out codeOutcome, v store.Verdict) codeOutcome {
	out.Verdict = v
	return out
}
