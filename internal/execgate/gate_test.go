package execgate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/connectors"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/logging"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/store"
)

// countingChannel records how often it was asked to deliver.
type countingChannel struct {
	name  string
	calls atomic.Int32
	err   error
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Deliver(ctx context.Context, requestID, payload string) (*connectors.DeliveryOutcome, error) {
	c.calls.Add(1)
	if c.err != nil {
		return &connectors.DeliveryOutcome{Channel: c.name, ExitCode: 1, Stderr: "gateway down\n"}, c.err
	}
	return &connectors.DeliveryOutcome{Channel: c.name, Stdout: "queued " + requestID}, nil
}

// cancelingChannel cancels the caller's context mid-delivery and fails.
type cancelingChannel struct {
	cancel context.CancelFunc
}

func (c *cancelingChannel) Name() string { return "sms" }

func (c *cancelingChannel) Deliver(ctx context.Context, requestID, payload string) (*connectors.DeliveryOutcome, error) {
	c.cancel()
	return nil, ctx.Err()
}

func newTestGate(t *testing.T, logger *zap.Logger, channels ...connectors.Channel) (*Gate, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := connectors.NewRegistry(channels...)
	require.NoError(t, err)
	return New(s, reg, audit.NewWriter(s, logging.NewNop()), metrics.New(), logger), s
}

func approved(t *testing.T, g *Gate, in RequestInput) *models.ExecutionRequest {
	t.Helper()
	ctx := context.Background()
	req, err := g.Request(ctx, in)
	require.NoError(t, err)
	_, err = g.Approve(ctx, req.ID, "alice", "go")
	require.NoError(t, err)
	return req
}

func TestDryRunNeverCallsChannel(t *testing.T) {
	logger, logs := logging.NewObserved()
	sms := &countingChannel{name: "sms"}
	g, _ := newTestGate(t, logger, sms)

	req := approved(t, g, RequestInput{Channel: "sms", PayloadRef: "notice-7", Payload: "vote at 5", DryRun: true, RequestedBy: "exec-1"})

	out, err := g.Execute(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	assert.True(t, out.Simulated)
	assert.Nil(t, out.Delivery)
	assert.Equal(t, models.ExecutionExecuted, out.Request.Result)
	assert.Zero(t, sms.calls.Load())

	entries := logs.FilterMessage("simulated delivery").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, req.ID, fields["request_id"])
	assert.Equal(t, "sms", fields["channel"])
}

func TestExecute_Delivers(t *testing.T) {
	sms := &countingChannel{name: "sms"}
	g, s := newTestGate(t, logging.NewNop(), sms)
	ctx := context.Background()

	req := approved(t, g, RequestInput{Channel: "sms", PayloadRef: "notice-7", Payload: "vote at 5", RequestedBy: "exec-1"})

	out, err := g.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, out.Request.Result)
	assert.Contains(t, out.Request.ResultDetail, "queued "+req.ID)
	assert.EqualValues(t, 1, sms.calls.Load())

	_, err = g.Execute(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, errs.ErrConflict, "a request runs once")
	assert.EqualValues(t, 1, sms.calls.Load())

	events, err := s.ListAudit(ctx, store.AuditFilter{EntityType: "execution", EntityID: req.ID})
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action+"/"+ev.Outcome)
	}
	assert.Equal(t, []string{
		"execution.execute/denied",
		"execution.execute/success",
		"execution.decide/success",
		"execution.request/success",
	}, actions)
}

func TestExecute_RequiresApproval(t *testing.T) {
	sms := &countingChannel{name: "sms"}
	g, _ := newTestGate(t, logging.NewNop(), sms)
	ctx := context.Background()

	req, err := g.Request(ctx, RequestInput{Channel: "sms", PayloadRef: "p", RequestedBy: "exec-1"})
	require.NoError(t, err)

	_, err = g.Execute(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, errs.ErrGovernance)

	_, err = g.Reject(ctx, req.ID, "bob", "wrong audience")
	require.NoError(t, err)
	_, err = g.Execute(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, errs.ErrGovernance)

	_, err = g.Approve(ctx, req.ID, "alice", "")
	assert.ErrorIs(t, err, errs.ErrAlreadyDecided)
	assert.Zero(t, sms.calls.Load())

	_, err = g.Execute(ctx, "missing", "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDecide_RequiresActor(t *testing.T) {
	g, _ := newTestGate(t, logging.NewNop())
	ctx := context.Background()
	req, err := g.Request(ctx, RequestInput{Channel: "sms", PayloadRef: "p", RequestedBy: "exec-1"})
	require.NoError(t, err)

	_, err = g.Approve(ctx, req.ID, "", "")
	assert.ErrorIs(t, err, errs.ErrGovernance)
	_, err = g.Execute(ctx, req.ID, "")
	assert.ErrorIs(t, err, errs.ErrGovernance)

	_, err = g.Request(ctx, RequestInput{PayloadRef: "p", RequestedBy: "exec-1"})
	assert.ErrorIs(t, err, errs.ErrInvalid)
	_, err = g.Request(ctx, RequestInput{Channel: "sms", PayloadRef: "p"})
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestExecute_ChannelFailureIsNotRetried(t *testing.T) {
	sms := &countingChannel{name: "sms", err: errors.New("hook exited with code 1")}
	g, _ := newTestGate(t, logging.NewNop(), sms)

	req := approved(t, g, RequestInput{Channel: "sms", PayloadRef: "p", RequestedBy: "exec-1"})

	out, err := g.Execute(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, out.Request.Result)
	assert.Contains(t, out.Request.ResultDetail, "hook exited with code 1")
	assert.Contains(t, out.Request.ResultDetail, "gateway down")
	assert.EqualValues(t, 1, sms.calls.Load())
}

func TestExecute_CanceledContextStillRecordsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, _ := newTestGate(t, logging.NewNop(), &cancelingChannel{cancel: cancel})

	req := approved(t, g, RequestInput{Channel: "sms", PayloadRef: "p", RequestedBy: "exec-1"})

	out, err := g.Execute(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, out.Request.Result)

	got, err := g.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Result)
	assert.Contains(t, got.ResultDetail, "context canceled")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	short := "ngân sách"
	assert.Equal(t, short, truncate(short))

	long := "a" + strings.Repeat("é", maxDetail)
	got := truncate(long)
	require.True(t, strings.HasSuffix(got, "..."))
	body := strings.TrimSuffix(got, "...")
	assert.True(t, utf8.ValidString(body))
	assert.LessOrEqual(t, len(body), maxDetail)
	assert.Equal(t, maxDetail-1, len(body))
}

func TestExecute_UnknownChannelFails(t *testing.T) {
	g, _ := newTestGate(t, logging.NewNop(), connectors.Noop{})

	req := approved(t, g, RequestInput{Channel: "pager", PayloadRef: "p", RequestedBy: "exec-1"})

	out, err := g.Execute(context.Background(), req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, out.Request.Result)
	assert.Contains(t, out.Request.ResultDetail, "pager")
}

func TestExecute_ConcurrentRunsOnce(t *testing.T) {
	sms := &countingChannel{name: "sms"}
	g, _ := newTestGate(t, logging.NewNop(), sms)
	req := approved(t, g, RequestInput{Channel: "sms", PayloadRef: "p", RequestedBy: "exec-1"})

	const n = 8
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Execute(context.Background(), req.ID, "alice"); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, errs.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, sms.calls.Load())
}

func TestList(t *testing.T) {
	g, _ := newTestGate(t, logging.NewNop())
	ctx := context.Background()

	first, err := g.Request(ctx, RequestInput{Channel: "sms", PayloadRef: "a", RequestedBy: "exec-1"})
	require.NoError(t, err)
	_, err = g.Request(ctx, RequestInput{Channel: "sms", PayloadRef: "b", RequestedBy: "exec-1"})
	require.NoError(t, err)
	_, err = g.Approve(ctx, first.ID, "alice", "")
	require.NoError(t, err)

	pending, err := g.List(ctx, models.DecisionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].PayloadRef)

	all, err := g.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := g.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Approval)
	assert.Equal(t, "alice", got.Actor)
}
