package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenSessions tracks currently connected realtime sessions by channel.
	OpenSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_open_sessions",
		Help: "Currently connected websocket sessions",
	}, []string{"channel"}) // contest, public

	// SessionCloses counts session terminations by reason.
	SessionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_session_closes_total",
		Help: "Websocket sessions closed, by reason",
	}, []string{"reason"}) // client, idle_timeout, backpressure, auth, error

	// DroppedEvents counts outbound events shed under back-pressure.
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_dropped_events_total",
		Help: "Non-critical outbound events dropped from full session queues",
	}, []string{"event"})

	// ActiveContests tracks contest loops currently running.
	ActiveContests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_contests",
		Help: "Contest loops currently running",
	})

	// ContestTransitions counts lifecycle transitions.
	ContestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_contest_transitions_total",
		Help: "Contest lifecycle transitions",
	}, []string{"to"})

	// Submissions counts judged submissions by verdict.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_submissions_total",
		Help: "Judged submissions by verdict",
	}, []string{"verdict", "kind"})

	// AdmissionRejections counts submissions rejected before judging.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_admission_rejections_total",
		Help: "Submissions rejected by admission control",
	}, []string{"code"})

	// JudgeRuntime tracks wall-clock time of sandbox executions.
	JudgeRuntime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_judge_runtime_seconds",
		Help:    "Sandbox judging wall-clock time per submission",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})

	// SandboxQueueWait tracks time submissions wait for a free worker.
	SandboxQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_sandbox_queue_wait_seconds",
		Help:    "Time submissions wait for a sandbox worker",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// SandboxWorkersBusy tracks workers currently executing.
	SandboxWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_sandbox_workers_busy",
		Help: "Sandbox workers currently executing a submission",
	})

	// SandboxRecycles counts worker container recreations.
	SandboxRecycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sandbox_recycles_total",
		Help: "Sandbox workers recycled after anomalous verdicts",
	}, []string{"verdict"})

	// LeaderboardBroadcasts counts coalesced leaderboard updates emitted.
	LeaderboardBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_leaderboard_broadcasts_total",
		Help: "Coalesced leaderboard updates emitted",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// DeadlineExpirations counts per-participant question deadlines that fired.
	DeadlineExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_deadline_expirations_total",
		Help: "Per-participant question deadlines that elapsed unanswered",
	})

	// LoopRestarts counts contest loops restarted by the supervisor.
	LoopRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_contest_loop_restarts_total",
		Help: "Contest loops restarted after a crash",
	})
)
