package judge

import (
	"testing"

	"contest-arena/server/store"
)

func twoTestJob() *Job {
	return &Job{
		Kind:     store.KindCoding,
		Language: "python",
		Tests: []store.TestCase{
			{Input: "[[2,7,11,15],9]", Expected: "[0,1]"},
			{Input: "[[3,2,4],6]", Expected: "[1,2]", Hidden: true},
		},
		TimeLimitMs:   2000,
		MemoryLimitMB: 256,
	}
}

func TestJudgeCodeAccepted(t *testing.T) {
	job := twoTestJob()
	out := judgeCode(job, &RunResult{
		Compiled: true,
		Tests: []TestRun{
			{Output: "[0, 1]", RuntimeMs: 12, MemoryKB: 9000},
			{Output: "[1, 2]", RuntimeMs: 30, MemoryKB: 12000},
		},
	})
	if out.Verdict != store.VerdictAccepted {
		t.Fatalf("verdict = %s", out.Verdict)
	}
	if out.TestCasesPassed != 2 || out.TestCasesTotal != 2 {
		t.Fatalf("passed %d/%d", out.TestCasesPassed, out.TestCasesTotal)
	}
	if out.RuntimeMs != 30 || out.MemoryKB != 12000 {
		t.Fatalf("stats = %d ms, %d KB; want max across tests", out.RuntimeMs, out.MemoryKB)
	}
}

func TestJudgeCodeCompileError(t *testing.T) {
	out := judgeCode(twoTestJob(), &RunResult{Compiled: false, CompileOutput: "syntax error"})
	if out.Verdict != store.VerdictCompileError {
		t.Fatalf("verdict = %s", out.Verdict)
	}
	if out.TestCasesPassed != 0 || out.TestCasesTotal != 2 {
		t.Fatalf("passed %d/%d", out.TestCasesPassed, out.TestCasesTotal)
	}
}

func TestJudgeCodeEarlyExitCountsPrefix(t *testing.T) {
	cases := []struct {
		name    string
		second  TestRun
		verdict store.Verdict
	}{
		{"tle", TestRun{TimedOut: true, RuntimeMs: 2500}, store.VerdictTLE},
		{"mle", TestRun{OOMKilled: true, MemoryKB: 300000}, store.VerdictMLE},
		{"crash", TestRun{ExitCode: 1, Output: "traceback"}, store.VerdictRuntimeError},
		{"wrong", TestRun{Output: "[2,1]"}, store.VerdictWrongAnswer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := twoTestJob()
			out := judgeCode(job, &RunResult{
				Compiled: true,
				Tests:    []TestRun{{Output: "[0,1]", RuntimeMs: 10}, tc.second},
			})
			if out.Verdict != tc.verdict {
				t.Fatalf("verdict = %s, want %s", out.Verdict, tc.verdict)
			}
			if out.TestCasesPassed != 1 {
				t.Fatalf("passed = %d, want the matching prefix", out.TestCasesPassed)
			}
		})
	}
}

func TestJudgeCodeTruncatedRunIsNotAccepted(t *testing.T) {
	out := judgeCode(twoTestJob(), &RunResult{
		Compiled: true,
		Tests:    []TestRun{{Output: "[0,1]"}},
	})
	if out.Verdict != store.VerdictRuntimeError {
		t.Fatalf("verdict = %s for truncated run", out.Verdict)
	}
}

func TestJudgeMCQ(t *testing.T) {
	q := &store.Question{
		Kind: store.KindMCQ,
		Options: []store.Option{
			{ID: "a", Text: "yes", IsCorrect: true},
			{ID: "b", Text: "no"},
		},
	}
	if v, err := judgeMCQ(q, "a"); err != nil || v != store.VerdictAccepted {
		t.Fatalf("correct option: %s, %v", v, err)
	}
	if v, err := judgeMCQ(q, "b"); err != nil || v != store.VerdictWrongAnswer {
		t.Fatalf("wrong option: %s, %v", v, err)
	}
	if _, err := judgeMCQ(q, "zzz"); err != ErrInvalidOption {
		t.Fatalf("unknown option err = %v", err)
	}
}
