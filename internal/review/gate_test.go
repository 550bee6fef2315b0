package review

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/logging"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s, audit.NewWriter(s, logging.NewNop()), metrics.New(), logging.NewNop()), s
}

func seedArtifact(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.InsertArtifact(context.Background(), &models.Artifact{
		ID: id, AgentID: "drafter-1", Stage: models.StageIntro,
		Status: models.ArtifactSpeculative, RequiresReview: true, GateID: "HR_PRE",
	})
	require.NoError(t, err)
}

func TestSubmit(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")

	item, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, item.Decision)
	assert.NotEmpty(t, item.ID)

	_, err = m.Submit(ctx, "HR_PRE", "memo")
	assert.ErrorIs(t, err, errs.ErrDuplicateSubmission)

	_, err = m.Submit(ctx, "HR_PRE", "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = m.Submit(ctx, "", "memo")
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestDecide(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")
	item, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)

	_, err = m.Decide(ctx, "HR_PRE", item.ID, models.DecisionApproved, "", "ok")
	assert.ErrorIs(t, err, errs.ErrGovernance, "no actor, no decision")

	_, err = m.Decide(ctx, "HR_PRE", item.ID, models.DecisionPending, "alice", "")
	assert.ErrorIs(t, err, errs.ErrGovernance)

	_, err = m.Decide(ctx, "HR_PRE", "nope", models.DecisionApproved, "alice", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	res, err := m.Decide(ctx, "HR_PRE", item.ID, models.DecisionApproved, "alice", "ok")
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactActionable, res.Artifact.Status)

	_, err = m.Decide(ctx, "HR_PRE", item.ID, models.DecisionRejected, "bob", "changed mind")
	assert.ErrorIs(t, err, errs.ErrAlreadyDecided)

	events, err := s.ListAudit(ctx, store.AuditFilter{EntityType: "artifact", EntityID: "memo"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(models.ArtifactActionable), events[0].ToState)
}

func TestDecide_RejectMarksArtifact(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")
	item, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)

	res, err := m.Decide(ctx, "HR_PRE", item.ID, models.DecisionRejected, "alice", "off-policy")
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactRejected, res.Artifact.Status)
	assert.Equal(t, "off-policy", res.Item.Rationale)
}

func TestSubmit_SettledArtifactIsRefused(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")
	item, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)
	_, err = m.Decide(ctx, "HR_PRE", item.ID, models.DecisionRejected, "alice", "")
	require.NoError(t, err)

	_, err = m.Submit(ctx, "HR_LEGAL", "memo")
	assert.ErrorIs(t, err, errs.ErrConflict)

	seedArtifact(t, s, "brief")
	_, err = s.TransitionArtifact(ctx, "brief", []models.ArtifactStatus{models.ArtifactSpeculative}, models.ArtifactArchived)
	require.NoError(t, err)
	_, err = m.Submit(ctx, "HR_PRE", "brief")
	assert.ErrorIs(t, err, errs.ErrConflict)

	counts, err := m.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestDecide_ArtifactRejectedInAnotherGate(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")
	pre, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)
	legal, err := m.Submit(ctx, "HR_LEGAL", "memo")
	require.NoError(t, err)

	_, err = m.Decide(ctx, "HR_PRE", pre.ID, models.DecisionRejected, "alice", "off-policy")
	require.NoError(t, err)

	res, err := m.Decide(ctx, "HR_LEGAL", legal.ID, models.DecisionApproved, "bob", "")
	require.NoError(t, err, "an open item stays decidable")
	assert.Equal(t, models.DecisionApproved, res.Item.Decision)
	assert.Equal(t, models.ArtifactRejected, res.Artifact.Status, "a rejection elsewhere is final")

	pending, err := m.Pending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecide_ConcurrentAtMostOnce(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	seedArtifact(t, s, "memo")
	item, err := m.Submit(ctx, "HR_PRE", "memo")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := models.DecisionApproved
			if i%2 == 0 {
				d = models.DecisionRejected
			}
			_, err := m.Decide(ctx, "HR_PRE", item.ID, d, "reviewer", "")
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	ok := 0
	for err := range errCh {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, errs.ErrAlreadyDecided)
		}
	}
	assert.Equal(t, 1, ok)

	events, err := s.ListAudit(ctx, store.AuditFilter{EntityType: "review", EntityID: item.ID})
	require.NoError(t, err)
	decisions := 0
	for _, ev := range events {
		if ev.Action == "review.decide" {
			decisions++
		}
	}
	assert.Equal(t, 1, decisions)
}

func TestDecideBatch(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, a := range []string{"m1", "m2", "m3"} {
		seedArtifact(t, s, a)
		item, err := m.Submit(ctx, "HR_PRE", a)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	_, err := m.DecideBatch(ctx, "HR_PRE", nil, models.DecisionApproved, "alice", "")
	assert.ErrorIs(t, err, errs.ErrGovernance, "no implicit approve-all")

	_, err = m.DecideBatch(ctx, "HR_PRE", ids, models.DecisionApproved, "", "")
	assert.ErrorIs(t, err, errs.ErrGovernance)

	_, err = m.Decide(ctx, "HR_PRE", ids[2], models.DecisionRejected, "bob", "")
	require.NoError(t, err)

	res, err := m.DecideBatch(ctx, "HR_PRE", append(ids, ids[0], "ghost"), models.DecisionApproved, "alice", "weekly sweep")
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Items, 4)
	assert.True(t, res.Items[0].Applied)
	assert.Equal(t, "drafter-1", res.Items[0].AgentID)

	item, err := m.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, item.BatchID)
	assert.Equal(t, "alice", item.Actor)

	events, err := s.ListAudit(ctx, store.AuditFilter{EntityType: "review_batch"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)
}

func TestPendingOrdering(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := base
	s.SetClock(func() time.Time { return tick })

	for i, a := range []string{"m1", "m2", "m3"} {
		tick = base.Add(time.Duration(i) * time.Minute)
		seedArtifact(t, s, a)
		_, err := m.Submit(ctx, "HR_PRE", a)
		require.NoError(t, err)
	}
	seedArtifact(t, s, "other")
	_, err := m.Submit(ctx, "LEGAL", "other")
	require.NoError(t, err)

	pending, err := m.Pending(ctx, "HR_PRE")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "m1", pending[0].ArtifactID)
	assert.Equal(t, "m3", pending[2].ArtifactID)

	// out-of-order decisions are allowed
	_, err = m.Decide(ctx, "HR_PRE", pending[2].ID, models.DecisionApproved, "alice", "")
	require.NoError(t, err)

	counts, err := m.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"HR_PRE": 2, "LEGAL": 1}, counts)

	items, err := m.Items(ctx, "HR_PRE")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}
