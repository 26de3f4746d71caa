package cron

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu       sync.Mutex
	sessions []string
	tasks    []string
	text     string
}

func (r *recordingRunner) RunTurn(ctx context.Context, sessionID, task string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.tasks = append(r.tasks, task)
	return r.text, nil
}

func newTestScheduler(t *testing.T, runner TurnRunner, opts ...Option) *Scheduler {
	t.Helper()
	return NewScheduler(NewMemoryJobStore(), runner, opts...)
}

func TestValidateSchedule(t *testing.T) {
	require.NoError(t, ValidateSchedule(KindCron, "*/5 * * * *"))
	require.Error(t, ValidateSchedule(KindCron, "not a cron"))
	require.NoError(t, ValidateSchedule(KindInterval, "30"))
	require.Error(t, ValidateSchedule(KindInterval, "-1"))
	require.Error(t, ValidateSchedule(KindInterval, "soon"))
	require.NoError(t, ValidateSchedule(KindWebhook, "deploy-hook"))
	require.Error(t, ValidateSchedule(Kind("hourly"), "1"))
}

func TestCreateAndListJobs(t *testing.T) {
	runner := &recordingRunner{}
	s := newTestScheduler(t, runner)

	job, err := s.Create(context.Background(), "standup", KindCron, "0 9 * * 1-5", "post the standup summary")
	require.NoError(t, err)
	require.True(t, job.Active)
	require.False(t, job.NextRun.IsZero())

	_, err = s.Create(context.Background(), "bad", KindCron, "nope", "x")
	require.Error(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "standup", jobs[0].Name)

	require.NoError(t, s.Delete(context.Background(), job.ID))
	require.Empty(t, s.Jobs())
	require.Error(t, s.Delete(context.Background(), job.ID))
}

func TestWebhookJobsNeverAutoFire(t *testing.T) {
	runner := &recordingRunner{text: "done"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, runner, WithNow(func() time.Time { return now }))

	job, err := s.Create(context.Background(), "hook", KindWebhook, "deploy", "summarize the deploy")
	require.NoError(t, err)
	require.True(t, job.NextRun.IsZero(), "webhook jobs get no next-run time")

	// Ticks never fire it, no matter how far the clock advances.
	now = now.Add(24 * time.Hour)
	require.Equal(t, 0, s.RunDue(context.Background()))
	require.Empty(t, runner.sessions)

	// Only an explicit trigger runs it.
	require.NoError(t, s.Trigger(context.Background(), job.ID))
	require.Len(t, runner.sessions, 1)
}

func TestWebhookJobSurvivesRestart(t *testing.T) {
	store := NewMemoryJobStore()
	runner := &recordingRunner{}

	s1 := NewScheduler(store, runner)
	job, err := s1.Create(context.Background(), "hook", KindWebhook, "deploy", "task")
	require.NoError(t, err)

	// A fresh scheduler over the same store loads the webhook row but
	// still never auto-schedules it.
	s2 := NewScheduler(store, runner)
	require.NoError(t, s2.Start(context.Background()))
	defer s2.Stop(context.Background())

	loaded, ok := s2.Get(job.ID)
	require.True(t, ok)
	require.True(t, loaded.NextRun.IsZero())
	require.Equal(t, 0, s2.RunDue(context.Background()))
	require.NoError(t, s2.Trigger(context.Background(), job.ID))
	require.Len(t, runner.sessions, 1)
}

func TestIntervalJobFiresInFreshSessions(t *testing.T) {
	runner := &recordingRunner{text: "tick"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, runner, WithNow(func() time.Time { return now }))

	job, err := s.Create(context.Background(), "poll", KindInterval, "60", "check the queue")
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	require.Equal(t, 1, s.RunDue(context.Background()))

	now = now.Add(61 * time.Second)
	require.Equal(t, 1, s.RunDue(context.Background()))

	require.Len(t, runner.sessions, 2)
	for _, sessionID := range runner.sessions {
		require.True(t, strings.HasPrefix(sessionID, "cron_"+job.ID+"_"))
	}
	// Fresh ephemeral session every fire.
	require.NotEqual(t, runner.sessions[0], runner.sessions[1])
	require.Equal(t, "check the queue", runner.tasks[0])
}

func TestNotifierReceivesFinalText(t *testing.T) {
	runner := &recordingRunner{text: "queue is empty"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var notified []string
	notifier := NotifierFunc(func(ctx context.Context, job *Job, text string) {
		notified = append(notified, text)
	})
	s := newTestScheduler(t, runner, WithNow(func() time.Time { return now }), WithNotifier(notifier))

	_, err := s.Create(context.Background(), "poll", KindInterval, "60", "check the queue")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	s.RunDue(context.Background())
	require.Equal(t, []string{"queue is empty"}, notified)
}

func TestCronNextRunComputation(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	next, ok, err := nextRun(KindCron, "0 13 * * *", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC), next)

	_, ok, err = nextRun(KindWebhook, "tag", now)
	require.NoError(t, err)
	require.False(t, ok)
}
