package supervisor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/relay"
	"github.com/docker/execops/pkg/telemetry"
)

func newSupervisor(t *testing.T, opts ...Opt) (*Supervisor, chan mission.Result) {
	t.Helper()

	results := make(chan mission.Result, 8)
	opts = append([]Opt{WithOnComplete(func(r mission.Result) { results <- r })}, opts...)

	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, results
}

func await(t *testing.T, results <-chan mission.Result) mission.Result {
	t.Helper()

	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback never fired")
		return mission.Result{}
	}
}

func assertNoMore(t *testing.T, results <-chan mission.Result) {
	t.Helper()

	select {
	case r := <-results:
		t.Fatalf("unexpected extra completion: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmit_CompletionValue(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)

	id, err := s.Submit(t.Context(), "1+1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	res := await(t, results)
	assert.Equal(t, id, res.MissionID)
	assert.Equal(t, "2\n", res.Output)
	assert.Equal(t, []string{"2"}, res.Lines())
	assert.Equal(t, mission.OutcomeCompleted, res.Outcome)
	assertNoMore(t, results)

	assert.False(t, s.Active())
	assert.Equal(t, StateIdle, s.State())
}

func TestSubmit_OutputInProductionOrder(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)

	_, err := s.Submit(t.Context(), `for (let i = 0; i < 50; i++) console.log(i)`)
	require.NoError(t, err)

	res := await(t, results)
	want := make([]string, 50)
	for i := range want {
		want[i] = strconv.Itoa(i)
	}
	assert.Equal(t, want, res.Lines())
	assertNoMore(t, results)
}

func TestSubmit_InfiniteLoopTimesOut(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(100*time.Millisecond))

	_, err := s.Submit(t.Context(), `console.log('before'); while (true) {}`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assert.Equal(t, "'before'\n"+TimeoutMarker, res.Output)

	_, err = s.Submit(t.Context(), "1+1")
	require.NoError(t, err, "a replacement pair is ready")

	res = await(t, results)
	assert.Equal(t, "2\n", res.Output)
	assert.Equal(t, mission.OutcomeCompleted, res.Outcome)
}

func TestSubmit_FaultYieldsOneDiagnostic(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)

	_, err := s.Submit(t.Context(), `throw new Error("boom")`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeFailed, res.Outcome)
	require.Len(t, res.Lines(), 1)
	assert.Contains(t, res.Lines()[0], "boom")
	assertNoMore(t, results)
}

func TestSubmit_ContinuationWithinDeadline(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(time.Second))

	_, err := s.Submit(t.Context(), `setTimeout(() => console.log('done'), 100)`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeCompleted, res.Outcome)
	assert.Contains(t, res.Output, "done")
	assert.GreaterOrEqual(t, res.Rearms, 1)
	assert.Less(t, res.Duration, time.Second)
}

func TestSubmit_ContinuationsRearmWatchdog(t *testing.T) {
	t.Parallel()

	// Each continuation fires well within the deadline of the previous
	// report, while the whole mission outlives a single deadline.
	s, results := newSupervisor(t, WithDeadline(150*time.Millisecond))

	code := `
setTimeout(() => console.log('first'), 100);
setTimeout(() => console.log('second'), 200);
setTimeout(() => console.log('third'), 300);
`
	_, err := s.Submit(t.Context(), code)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"'first'", "'second'", "'third'"}, res.Lines())
	assert.GreaterOrEqual(t, res.Rearms, 3)
	assert.Greater(t, res.Duration, 150*time.Millisecond)
}

func TestSubmit_PendingContinuationPastDeadline(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(50*time.Millisecond))

	_, err := s.Submit(t.Context(), `console.log('start'); setTimeout(() => console.log('late'), 2000)`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assert.Equal(t, "'start'\n"+TimeoutMarker, res.Output)
}

func TestSubmit_ContinuationFaultIsRemembered(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)

	_, err := s.Submit(t.Context(), `setTimeout(() => { throw new Error('late') }, 10); 'sync'`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"'sync'", "Error in asynchronous callback: late"}, res.Lines())
}

func TestSubmit_Busy(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(200*time.Millisecond))

	_, err := s.Submit(t.Context(), `while (true) {}`)
	require.NoError(t, err)
	assert.True(t, s.Active())
	assert.Equal(t, StateRunning, s.State())

	_, err = s.Submit(t.Context(), "1+1")
	require.ErrorIs(t, err, ErrBusy)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assertNoMore(t, results)
}

func TestSubmit_MissionsDoNotShareOutput(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(100*time.Millisecond))

	_, err := s.Submit(t.Context(), `setInterval(() => console.log('from A'), 10); while (true) {}`)
	require.NoError(t, err)
	a := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, a.Outcome)

	_, err = s.Submit(t.Context(), `console.log('from B')`)
	require.NoError(t, err)
	b := await(t, results)

	assert.Equal(t, "'from B'\n", b.Output)
	assert.NotContains(t, b.Output, "from A")
	assert.Equal(t, a.MissionID+1, b.MissionID)
}

func TestSubmit_MaxLifetime(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t,
		WithDeadline(200*time.Millisecond),
		WithMaxLifetime(300*time.Millisecond),
	)

	_, err := s.Submit(t.Context(), `setInterval(() => console.log('tick'), 20)`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assert.True(t, strings.HasSuffix(res.Output, LifetimeMarker))
	assert.Contains(t, res.Output, "'tick'\n")
	assert.Greater(t, res.Rearms, 3)
}

func TestSubmit_ContextDone(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.Submit(ctx, "1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Active())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(5*time.Second))

	assert.False(t, s.Cancel(""), "nothing to cancel")

	_, err := s.Submit(t.Context(), `console.log('spinning'); while (true) {}`)
	require.NoError(t, err)

	// Wait until the executor is inside the loop.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Cancel(""))
	assert.False(t, s.Cancel(""), "already being torn down")

	res := await(t, results)
	assert.Equal(t, mission.OutcomeCancelled, res.Outcome)
	assert.Equal(t, "'spinning'\n"+CancelMarker, res.Output)

	_, err = s.Submit(t.Context(), `console.log('next')`)
	require.NoError(t, err)
	assert.Equal(t, "'next'\n", await(t, results).Output)
}

func TestCancel_CustomMarker(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)

	_, err := s.Submit(t.Context(), `while (true) {}`)
	require.NoError(t, err)
	require.True(t, s.Cancel("Stopped.\n"))

	assert.Equal(t, "Stopped.\n", await(t, results).Output)
}

func TestSetDeadline(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t)
	assert.Equal(t, DefaultDeadline, s.Deadline())

	require.ErrorIs(t, s.SetDeadline(0), ErrInvalidDeadline)
	require.NoError(t, s.SetDeadline(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, s.Deadline())

	start := time.Now()
	_, err := s.Submit(t.Context(), `while (true) {}`)
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assert.Less(t, time.Since(start), DefaultDeadline)
}

func TestClose_FinalizesActiveMission(t *testing.T) {
	t.Parallel()

	results := make(chan mission.Result, 1)
	s, err := New(WithOnComplete(func(r mission.Result) { results <- r }))
	require.NoError(t, err)

	_, err = s.Submit(t.Context(), `while (true) {}`)
	require.NoError(t, err)

	s.Close()

	res := await(t, results)
	assert.Equal(t, mission.OutcomeCancelled, res.Outcome)
	assert.Equal(t, CloseMarker, res.Output)

	_, err = s.Submit(t.Context(), "1")
	require.ErrorIs(t, err, ErrClosed)

	s.Close()
}

func TestStaleEventsAreDropped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	s, results := newSupervisor(t, WithMetrics(metrics), WithDeadline(5*time.Second))

	_, err := s.Submit(t.Context(), `setTimeout(() => {}, 4000)`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State() == StateAsyncPending }, 5*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	c := s.handle(relay.Event{Kind: relay.EventRecords, MissionID: 0, Records: []string{"old\n"}, Final: true})
	c2 := s.handle(relay.Event{Kind: relay.EventStatus, MissionID: 99, Status: mission.KindSuccess})
	active := s.active != nil
	s.mu.Unlock()

	assert.Nil(t, c)
	assert.Nil(t, c2)
	assert.True(t, active, "stale events do not end the mission")

	require.True(t, s.Cancel(""))
	res := await(t, results)
	assert.NotContains(t, res.Output, "old")
}

func TestStaleWatchdogIsIgnored(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(5*time.Second))

	_, err := s.Submit(t.Context(), `setTimeout(() => {}, 4000)`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateAsyncPending }, 5*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	oldSeq := s.seq - 1
	id := s.active.m.ID
	s.mu.Unlock()

	s.expire(oldSeq, id)

	s.mu.Lock()
	current := s.seq
	s.mu.Unlock()
	s.expire(current, id+1)
	assert.True(t, s.Active())

	require.True(t, s.Cancel(""))
	assert.Equal(t, mission.OutcomeCancelled, await(t, results).Outcome)
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, results := newSupervisor(t, WithMetrics(telemetry.NewMetrics(reg)))

	_, err := s.Submit(t.Context(), "1+1")
	require.NoError(t, err)
	await(t, results)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "execops_missions_total")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	assert.InDelta(t, 2, gathered(t, reg, "execops_pairs_provisioned_total"), 0)
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

type echoWorker struct {
	side chan<- mission.Report
}

func (w *echoWorker) Connect(side chan<- mission.Report) error {
	w.side = side
	return nil
}

func (w *echoWorker) Execute(m mission.Mission) error {
	w.side <- mission.Report{Kind: mission.KindOutput, MissionID: m.ID, Fragment: m.Payload + "\n"}
	w.side <- mission.Report{Kind: mission.KindSuccess, MissionID: m.ID}
	return nil
}

func (w *echoWorker) Terminate() {}

func TestProvisioningFailureIsFatal(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		spawns int
	)
	spawner := func() (Worker, error) {
		mu.Lock()
		defer mu.Unlock()
		spawns++
		if spawns > 1 {
			return nil, errors.New("out of workers")
		}
		return &echoWorker{}, nil
	}

	fatal := make(chan error, 1)
	s, results := newSupervisor(t, WithSpawner(spawner), WithOnFatal(func(err error) { fatal <- err }))

	_, err := s.Submit(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", await(t, results).Output)

	select {
	case err := <-fatal:
		assert.ErrorContains(t, err, "out of workers")
	case <-time.After(5 * time.Second):
		t.Fatal("fatal callback never fired")
	}

	_, err = s.Submit(t.Context(), "again")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNew_SpawnFailure(t *testing.T) {
	t.Parallel()

	_, err := New(WithSpawner(func() (Worker, error) { return nil, errors.New("no runtime") }))
	require.ErrorContains(t, err, "no runtime")
}

func TestCancelMission(t *testing.T) {
	t.Parallel()

	s, results := newSupervisor(t, WithDeadline(5*time.Second))

	id, err := s.Submit(t.Context(), `while (true) {}`)
	require.NoError(t, err)

	assert.False(t, s.CancelMission(id-1, ""), "an earlier mission id must not cancel the active one")
	assert.False(t, s.CancelMission(id+1, ""))
	assert.True(t, s.Active())

	require.True(t, s.CancelMission(id, ""))
	res := await(t, results)
	assert.Equal(t, id, res.MissionID)
	assert.Equal(t, mission.OutcomeCancelled, res.Outcome)
	assert.Equal(t, CancelMarker, res.Output)

	assert.False(t, s.CancelMission(id, ""), "a finished mission cannot be cancelled twice")
}

// stallWorker blocks inside Execute until released. Execute runs on the
// relay goroutine, so the relay cannot hand over its vault meanwhile.
type stallWorker struct {
	side    chan<- mission.Report
	release <-chan struct{}
}

func (w *stallWorker) Connect(side chan<- mission.Report) error {
	w.side = side
	return nil
}

func (w *stallWorker) Execute(m mission.Mission) error {
	w.side <- mission.Report{Kind: mission.KindOutput, MissionID: m.ID, Fragment: "lost\n"}
	<-w.release
	return nil
}

func (w *stallWorker) Terminate() {}

func TestDrainGraceFinalizesWithMarkerOnly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := prometheus.NewRegistry()
	s, results := newSupervisor(t,
		WithSpawner(func() (Worker, error) { return &stallWorker{release: release}, nil }),
		WithDeadline(50*time.Millisecond),
		WithDrainGrace(50*time.Millisecond),
		WithMetrics(telemetry.NewMetrics(reg)),
	)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	id, err := s.Submit(t.Context(), "stall")
	require.NoError(t, err)

	res := await(t, results)
	assert.Equal(t, id, res.MissionID)
	assert.Equal(t, mission.OutcomeTimedOut, res.Outcome)
	assert.Equal(t, TimeoutMarker, res.Output)
	assert.Equal(t, StateIdle, s.State())

	// The relay now processes the queued burn; its final records belong
	// to a finished mission.
	close(release)
	require.Eventually(t, func() bool {
		return gathered(t, reg, "execops_stale_results_total") >= 1
	}, 5*time.Second, 5*time.Millisecond)
	assertNoMore(t, results)
}
