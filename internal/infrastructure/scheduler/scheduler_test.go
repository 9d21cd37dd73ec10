package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(DefaultConfig())

	require.NoError(t, s.Register(&countingJob{name: "a"}, "@every 1h"))
	require.NoError(t, s.Register(&countingJob{name: "b"}, "*/5 * * * *"))

	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, "@hourly"), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(&countingJob{name: "c"}, "not a spec"), ErrInvalidSchedule)
	assert.ErrorIs(t, s.Register(nil, "@hourly"), ErrNilJob)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "*/5 * * * *", jobs[1].Schedule)

	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrJobNotFound)
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	errJob := errors.New("job failed")
	ok := &countingJob{name: "ok"}
	bad := &countingJob{name: "bad", err: errJob}
	require.NoError(t, s.Register(ok, "@hourly"))
	require.NoError(t, s.Register(bad, "@hourly"))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "bad")
	assert.ErrorIs(t, err, errJob)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Len(t, s.History(0), 2)
	assert.Len(t, s.History(1), 1)

	for _, info := range s.ListJobs() {
		require.NotNil(t, info.LastRun)
		assert.Equal(t, int64(1), info.RunCount)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, "@every 1s"))

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}
