package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("gradeflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

type fixture struct {
	course     *models.Course
	assignment *models.Assignment
	submission *models.Submission
	account    *models.Account
}

// seed creates a course, assignment, submission and the course owner's account.
func seed(t *testing.T, s store.Store) fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	course := &models.Course{ID: uuid.New(), Name: "Algebra", CreatedBy: uuid.New(), CreatedAt: now}
	require.NoError(t, s.CreateCourse(ctx, course))

	asg := &models.Assignment{ID: uuid.New(), CourseID: course.ID, Title: "HW1",
		SourceTex: `\problem One`, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateAssignment(ctx, asg))

	sub := &models.Submission{ID: uuid.New(), AssignmentID: asg.ID, StudentID: uuid.New(),
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateSubmission(ctx, sub))

	acct, err := s.GetOrCreateAccount(ctx, models.AccountKindUser, course.CreatedBy, "owner", now)
	require.NoError(t, err)

	return fixture{course: course, assignment: asg, submission: sub, account: acct}
}

func newRun(f fixture, now time.Time, names ...string) (*models.PipelineRun, []*models.PipelineStep) {
	run := &models.PipelineRun{
		ID:           models.NewID(),
		Pipeline:     models.PipelineSubmissionProcess,
		CourseID:     f.course.ID,
		AccountID:    f.account.ID,
		SubmissionID: &f.submission.ID,
		Status:       models.RunStatusQueued,
		CreatedBy:    "test",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var steps []*models.PipelineStep
	for _, name := range names {
		steps = append(steps, &models.PipelineStep{
			ID: models.NewID(), RunID: run.ID, Name: name, Status: models.StepStatusQueued,
			RunAt: now, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
		})
	}
	return run, steps
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "grader-svc",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "gf_abcd1",
		Scopes:    []string{models.ScopePipelines},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "gf_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{models.ScopePipelines}, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	keys, err = s.GetAPIKeyByPrefix(ctx, "gf_abcd1")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)
}

// --- Pipeline Tests ---

func TestCreateRun_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := "submission:" + f.submission.ID.String()
	run, steps := newRun(f, now, "TEX_NORMALIZE")
	run.IdempotencyKey = &key
	got, created, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)
	assert.True(t, created)

	again, againSteps := newRun(f, now, "TEX_NORMALIZE")
	again.IdempotencyKey = &key
	got2, created, err := s.CreateRun(ctx, again, againSteps)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, got.ID, got2.ID)

	listed, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	runs, err := s.ListRuns(ctx, store.RunFilter{SubmissionID: &f.submission.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClaimNextStep_ExclusiveUnderConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run, steps := newRun(f, now, "A", "B", "C", "D", "E", "F", "G", "H")
	_, _, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				st, err := s.ClaimNextStep(ctx, worker, now, time.Minute)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[st.ID]++
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Len(t, claimed, len(steps))
	for id, n := range claimed {
		assert.Equal(t, 1, n, "step %s claimed %d times", id, n)
	}
}

func TestClaimNextStep_OrderAndLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run, steps := newRun(f, now, "A", "B")
	steps[1].Priority = 10
	_, _, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)

	st, err := s.ClaimNextStep(ctx, "w1", now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, steps[1].ID, st.ID)
	assert.Equal(t, models.StepStatusRunning, st.Status)
	assert.Equal(t, 1, st.Attempt)
	require.NotNil(t, st.LockedUntil)
	assert.WithinDuration(t, now.Add(30*time.Second), *st.LockedUntil, time.Millisecond)

	assert.ErrorIs(t, s.CompleteStep(ctx, store.LeaseOf(st, "w2"), now), store.ErrLeaseLost)
	require.NoError(t, s.RequeueStep(ctx, store.LeaseOf(st, "w1"), now.Add(time.Hour), "waiting", now))

	next, err := s.ClaimNextStep(ctx, "w1", now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, steps[0].ID, next.ID)

	_, err = s.ClaimNextStep(ctx, "w1", now, 30*time.Second)
	assert.ErrorIs(t, err, store.ErrNoStep)
}

func TestSweepAndFinalize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run, steps := newRun(f, now, "A")
	steps[0].MaxAttempts = 1
	_, _, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)

	ok, err := s.MarkRunRunning(ctx, run.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := s.ClaimNextStep(ctx, "crashed", now, time.Second)
	require.NoError(t, err)

	swept, err := s.SweepExpiredLeases(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "crashed", swept[0].WorkerID)
	assert.Equal(t, run.ID, swept[0].RunID)

	assert.ErrorIs(t, s.CompleteStep(ctx, store.LeaseOf(st, "crashed"), now), store.ErrLeaseLost)

	_, finalized, err := s.FinalizeRun(ctx, run.ID, now)
	require.NoError(t, err)
	assert.False(t, finalized)

	// The swept step is claimable again even though its budget is spent.
	st, err = s.ClaimNextStep(ctx, "w2", now.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempt)
	require.NoError(t, s.FailStep(ctx, store.LeaseOf(st, "w2"), "boom", now))

	status, finalized, err := s.FinalizeRun(ctx, run.ID, now)
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, models.RunStatusFailed, status)

	_, err = s.RetryStep(ctx, st.ID, now)
	require.NoError(t, err)
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
}

func TestCancelRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run, steps := newRun(f, now, "A", "B")
	_, _, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)

	running, err := s.ClaimNextStep(ctx, "w1", now, time.Minute)
	require.NoError(t, err)

	got, canceled, err := s.CancelRun(ctx, run.ID, now)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, got.Status)
	assert.Len(t, canceled, 2)

	assert.ErrorIs(t, s.CompleteStep(ctx, store.LeaseOf(running, "w1"), now), store.ErrLeaseLost)

	_, _, err = s.CancelRun(ctx, run.ID, now)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, _, err = s.CancelRun(ctx, models.NewID(), now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertSteps_AndEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run, steps := newRun(f, now, "A")
	_, _, err := s.CreateRun(ctx, run, steps)
	require.NoError(t, err)

	fanout := []*models.PipelineStep{
		{ID: run.ID + "_X", RunID: run.ID, Name: "X", Status: models.StepStatusQueued, RunAt: now, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
		{ID: run.ID + "_Y", RunID: run.ID, Name: "Y", Status: models.StepStatusQueued, RunAt: now, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now},
	}
	n, err := s.UpsertSteps(ctx, fanout)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertSteps(ctx, fanout)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	worker := "w1"
	for _, typ := range []string{models.StepEventClaimed, models.StepEventSucceeded} {
		require.NoError(t, s.AppendStepEvent(ctx, &models.StepEvent{
			StepID: steps[0].ID, RunID: run.ID, Type: typ, WorkerID: &worker, Attempt: 1, CreatedAt: now,
		}))
	}
	events, err := s.ListStepEvents(ctx, steps[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StepEventSucceeded, events[0].Type)
}

// --- Billing Tests ---

func TestApplyUsageCharge_IdempotentAndReconciles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	credit := &models.LedgerEntry{ID: models.NewID(), AccountID: f.account.ID, Currency: models.DefaultCurrency,
		Type: models.LedgerCredit, AmountMicrodollars: 1_000_000, CreatedAt: now}
	_, _, err := s.ApplyLedgerEntry(ctx, credit)
	require.NoError(t, err)

	key := "charge:step:abc"
	charge := func() (*models.UsageEvent, *models.LedgerEntry) {
		entry := &models.LedgerEntry{ID: models.NewID(), AccountID: f.account.ID, Currency: models.DefaultCurrency,
			Type: models.LedgerCharge, AmountMicrodollars: 15000, IdempotencyKey: &key, CreatedAt: now}
		ev := &models.UsageEvent{ID: models.NewID(), AccountID: f.account.ID, CourseID: f.course.ID,
			Metric: models.MetricVisionPage, Quantity: 3, UnitPriceMicrodollars: 5000, CostMicrodollars: 15000,
			CreatedAt: now}
		return ev, entry
	}

	ev, entry := charge()
	first, replayed, err := s.ApplyUsageCharge(ctx, ev, entry)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(985_000), first.BalanceAfter)

	ev, entry = charge()
	second, replayed, err := s.ApplyUsageCharge(ctx, ev, entry)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	bal, err := s.GetBalance(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(985_000), bal.BalanceMicrodollars)

	sum, err := s.SumLedgerDeltas(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, bal.BalanceMicrodollars, sum)

	usage, err := s.ListUsageEvents(ctx, f.account.ID, 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, first.ID, usage[0].LedgerEntryID)

	page, err := s.ListLedgerEntries(ctx, store.LedgerFilter{AccountID: f.account.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	page, err = s.ListLedgerEntries(ctx, store.LedgerFilter{AccountID: f.account.ID, Cursor: page[0].ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, credit.ID, page[0].ID)
}

func TestGetOrCreateAccount_AndCourseBilling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	again, err := s.GetOrCreateAccount(ctx, models.AccountKindUser, f.course.CreatedBy, "other name", now)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID, again.ID)

	bal, err := s.GetBalance(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Zero(t, bal.BalanceMicrodollars)
	assert.Equal(t, models.DefaultCurrency, bal.Currency)

	_, err = s.GetCourseBilling(ctx, f.course.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cb, err := s.LinkCourseBilling(ctx, f.course.ID, f.account.ID, now)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID, cb.AccountID)

	org, err := s.GetOrCreateAccount(ctx, models.AccountKindOrganization, uuid.New(), "dept", now)
	require.NoError(t, err)
	cb, err = s.LinkCourseBilling(ctx, f.course.ID, org.ID, now)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID, cb.AccountID)
}

func TestSeededRates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	rate, err := s.GetActiveRate(ctx, models.MetricVisionPage, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), rate.UnitPriceMicrodollars)

	rates, err := s.ListActiveRates(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, rates, 3)

	_, err = s.GetActiveRate(ctx, "unknown_metric", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Domain Tests ---

func TestCanonicalArtifactAndProblems(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	f := seed(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	body := `\problem x`
	a := &models.Artifact{ID: uuid.New(), SubmissionID: f.submission.ID, Kind: models.ArtifactKindTEX,
		Origin: models.ArtifactOriginDerived, TexBody: &body, CreatedAt: now}
	id, err := s.SetCanonicalArtifact(ctx, a, now)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	b := &models.Artifact{ID: uuid.New(), SubmissionID: f.submission.ID, Kind: models.ArtifactKindTEX,
		Origin: models.ArtifactOriginDerived, CreatedAt: now}
	id, err = s.SetCanonicalArtifact(ctx, b, now)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	probs := []*models.SubmissionProblem{
		{ID: uuid.New(), SubmissionID: f.submission.ID, ProblemIndex: 1, Body: "a", CreatedAt: now},
		{ID: uuid.New(), SubmissionID: f.submission.ID, ProblemIndex: 2, Body: "b", CreatedAt: now},
	}
	require.NoError(t, s.UpsertSubmissionProblems(ctx, probs))
	require.NoError(t, s.UpsertSubmissionProblems(ctx, probs))
	listed, err := s.ListSubmissionProblems(ctx, f.submission.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}
