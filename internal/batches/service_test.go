package batches

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/knowmap/backend/internal/cache"
	"github.com/knowmap/backend/internal/knowledge"
	"github.com/knowmap/backend/internal/models"
	"github.com/knowmap/backend/internal/selection"
)

const (
	testUserID    = int64(42)
	testConceptID = int64(7)
)

// ── Fakes ───────────────────────────────────────────────

type stateKey struct {
	userID    int64
	conceptID int64
}

// fakeStore is an in-memory Persistence implementation mirroring the Postgres
// store's semantics closely enough for orchestration tests.
type fakeStore struct {
	mu        sync.Mutex
	states    map[stateKey]*models.KnowledgeState
	batches   map[int64]*models.QuestionBatch
	responses map[int64]*models.QuestionResponse
	byBatch   map[int64][]int64
	asked     []int64 // all response IDs in asked order
	templates map[int64]*models.QuestionTemplate
	nextID    int64
}

func newFakeStore(templates []*models.QuestionTemplate) *fakeStore {
	byID := make(map[int64]*models.QuestionTemplate, len(templates))
	for _, tpl := range templates {
		byID[tpl.ID] = tpl
	}
	return &fakeStore{
		states:    make(map[stateKey]*models.KnowledgeState),
		batches:   make(map[int64]*models.QuestionBatch),
		responses: make(map[int64]*models.QuestionResponse),
		byBatch:   make(map[int64][]int64),
		templates: byID,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) GetOrCreateKnowledgeState(ctx context.Context, userID, conceptID int64) (*models.KnowledgeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateKey{userID, conceptID}
	state, ok := f.states[key]
	if !ok {
		prior := knowledge.DefaultPrior()
		state = &models.KnowledgeState{
			ID:        f.id(),
			UserID:    userID,
			ConceptID: conceptID,
			Mean:      prior.Mean,
			StdDev:    prior.StdDev,
			UpdatedAt: time.Now().UTC(),
		}
		f.states[key] = state
	}
	copied := *state
	return &copied, nil
}

func (f *fakeStore) UpdateKnowledgeState(ctx context.Context, userID, conceptID int64, mean, stdDev, highestLevel float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[stateKey{userID, conceptID}]
	if !ok {
		return fmt.Errorf("no knowledge state for user %d concept %d", userID, conceptID)
	}
	state.Mean = mean
	state.StdDev = stdDev
	state.HighestLevelAchieved = highestLevel
	state.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) GetOpenBatch(ctx context.Context, userID, conceptID int64, since time.Time) (*models.QuestionBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.QuestionBatch
	for _, b := range f.batches {
		if b.UserID == userID && b.ConceptID == conceptID && b.Open() && !b.CreatedAt.Before(since) {
			if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
				latest = b
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeStore) GetBatch(ctx context.Context, batchID int64) (*models.QuestionBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("get batch %d: not found", batchID)
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) CreateBatch(ctx context.Context, batch *models.QuestionBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch.ID = f.id()
	batch.CreatedAt = time.Now().UTC()
	copied := *batch
	f.batches[batch.ID] = &copied
	return nil
}

func (f *fakeStore) CloseBatch(ctx context.Context, batchID int64, completion models.BatchCompletion, levelsProgressed float64, conceptCompleted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok || !b.Open() {
		return nil
	}
	now := time.Now().UTC()
	b.Completed = completion
	b.LevelsProgressed = levelsProgressed
	b.ConceptCompleted = conceptCompleted
	b.CompletedAt = &now
	return nil
}

func (f *fakeStore) AppendResponse(ctx context.Context, resp *models.QuestionResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp.ID = f.id()
	copied := *resp
	f.responses[resp.ID] = &copied
	f.byBatch[resp.BatchID] = append(f.byBatch[resp.BatchID], resp.ID)
	f.asked = append(f.asked, resp.ID)
	return nil
}

func (f *fakeStore) GetResponse(ctx context.Context, responseID int64) (*models.QuestionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[responseID]
	if !ok {
		return nil, ErrResponseNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeStore) AnswerResponse(ctx context.Context, responseID int64, givenAnswer string, correct bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[responseID]
	if !ok || r.Answered() {
		return nil
	}
	r.GivenAnswer = &givenAnswer
	r.Correct = &correct
	return nil
}

func (f *fakeStore) ListResponses(ctx context.Context, batchID int64) ([]*models.QuestionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.QuestionResponse
	for _, id := range f.byBatch[batchID] {
		copied := *f.responses[id]
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) TrainingData(ctx context.Context, userID, conceptID int64) (knowledge.Observations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var obs knowledge.Observations
	for _, id := range f.asked {
		r := f.responses[id]
		b := f.batches[r.BatchID]
		if b.UserID != userID || b.ConceptID != conceptID || !r.Answered() {
			continue
		}
		tpl, ok := f.templates[r.TemplateID]
		if !ok {
			return knowledge.Observations{}, fmt.Errorf("unknown template %d", r.TemplateID)
		}
		answer := 0
		if *r.Correct {
			answer = 1
		}
		obs.Difficulties = append(obs.Difficulties, tpl.Difficulty)
		obs.GuessProbs = append(obs.GuessProbs, tpl.GuessProb())
		obs.Answers = append(obs.Answers, answer)
	}
	return obs, nil
}

func (f *fakeStore) TemplateHistoryCounts(ctx context.Context, userID int64, templateIDs []int64, askedSince time.Time) (map[int64]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[int64]int, len(templateIDs))
	wanted := make(map[int64]bool, len(templateIDs))
	for _, id := range templateIDs {
		wanted[id] = true
	}
	for _, r := range f.responses {
		b := f.batches[r.BatchID]
		if b.UserID != userID || !wanted[r.TemplateID] {
			continue
		}
		if r.Correct != nil && *r.Correct {
			counts[r.TemplateID]++
		}
		if !r.AskedAt.Before(askedSince) {
			counts[r.TemplateID]++
		}
	}
	return counts, nil
}

type fakeTemplates struct {
	byConcept   map[int64][]*models.QuestionTemplate
	deactivated map[int64]bool
}

func (f *fakeTemplates) ActiveTemplatesForConcept(ctx context.Context, conceptID int64) ([]*models.QuestionTemplate, error) {
	var out []*models.QuestionTemplate
	for _, tpl := range f.byConcept[conceptID] {
		if tpl.Active && !f.deactivated[tpl.ID] {
			out = append(out, tpl)
		}
	}
	return out, nil
}

func (f *fakeTemplates) Deactivate(ctx context.Context, templateID int64) error {
	f.deactivated[templateID] = true
	return nil
}

type fakeConcepts struct {
	maxDifficulty map[int64]float64
}

func (f *fakeConcepts) MaxDifficultyLevel(ctx context.Context, conceptID int64) (float64, error) {
	return f.maxDifficulty[conceptID], nil
}

// fakeEngine short-circuits MCMC: ThetaParams returns whatever the fixture
// currently scripts, and the training data passed to RunInference is captured
// for inspection.
type fakeEngine struct {
	fx *fixture
}

func (e *fakeEngine) RunInference(obs knowledge.Observations) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	e.fx.obsMu.Lock()
	e.fx.lastObs = obs
	e.fx.obsMu.Unlock()
	return nil
}

func (e *fakeEngine) Predict(difficulties, guessProbs []float64) ([]float64, error) {
	probs := make([]float64, len(difficulties))
	for i := range probs {
		probs[i] = 0.85
	}
	return probs, nil
}

func (e *fakeEngine) ThetaParams() knowledge.GaussianParams {
	return e.fx.engineResult
}

// ── Fixture ─────────────────────────────────────────────

type fixture struct {
	store    *fakeStore
	tpls     *fakeTemplates
	concepts *fakeConcepts
	kv       *cache.MemoryStore
	svc      *Service

	engineResult knowledge.GaussianParams

	obsMu   sync.Mutex
	lastObs knowledge.Observations
}

func testConfig() Config {
	return Config{
		MaxQuestions:          10,
		RevisionMaxQuestions:  5,
		DoingPoorlyMinAnswers: 5,
		DoingPoorlyLevel:      -0.5,
		BatchWindow:           24 * time.Hour,
		Selection:             selection.DefaultConfig(),
		Sampler:               knowledge.SamplerConfig{Warmup: 200, Draws: 200, StepSize: 0.5, Seed: 7},
	}
}

// paramsWithLevel builds a belief whose 5th-percentile lower bound sits at the
// given value (z ≈ 1.6449 for the 5th percentile of a unit Normal).
func paramsWithLevel(level float64) knowledge.GaussianParams {
	return knowledge.GaussianParams{Mean: level + 1.6449, StdDev: 1}
}

func makeTemplates(conceptID int64, n int, difficulty float64) []*models.QuestionTemplate {
	tpls := make([]*models.QuestionTemplate, n)
	for i := range tpls {
		tpls[i] = &models.QuestionTemplate{
			ID:            int64(i + 1),
			ConceptID:     conceptID,
			QuestionType:  "multiple_choice",
			Difficulty:    difficulty,
			Body:          fmt.Sprintf("What is the value of item %d?", i+1),
			CorrectAnswer: fmt.Sprintf("value-%d", i+1),
			Distractors:   []string{"alpha", "beta", "gamma"},
			Feedback:      "Review the definition and try again.",
			Active:        true,
		}
	}
	return tpls
}

func newFixture(cfg Config, maxDifficulty float64, tpls []*models.QuestionTemplate) *fixture {
	fx := &fixture{
		store:        newFakeStore(tpls),
		tpls:         &fakeTemplates{byConcept: map[int64][]*models.QuestionTemplate{testConceptID: tpls}, deactivated: make(map[int64]bool)},
		concepts:     &fakeConcepts{maxDifficulty: map[int64]float64{testConceptID: maxDifficulty}},
		kv:           cache.NewMemoryStore(),
		engineResult: paramsWithLevel(0.5),
	}
	fx.svc = NewService(fx.store, fx.tpls, fx.concepts, fx.kv, cfg)
	fx.svc.SetRand(rand.New(rand.NewSource(1)))
	fx.svc.SetEngineFactory(func(prior knowledge.GaussianParams) knowledge.Engine {
		return &fakeEngine{fx: fx}
	})
	return fx
}

// selectAndAnswer asks the next question and answers it, correctly or not.
func (fx *fixture) selectAndAnswer(t *testing.T, correct bool) *RecordResult {
	t.Helper()
	ctx := context.Background()
	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if sel.Response == nil {
		t.Fatalf("SelectNext returned no question (NoContent=%v, completed=%q)", sel.NoContent, sel.Batch.Completed)
	}
	answer := sel.Response.CorrectAnswer
	if !correct {
		answer = "not-the-answer"
	}
	rec, err := fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, answer)
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	return rec
}

// ── Tests ───────────────────────────────────────────────

func TestSelectNextOpensBatchAndAsksQuestion(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if sel.Batch == nil || sel.Batch.ID == 0 {
		t.Fatal("no batch created")
	}
	if sel.Batch.IsRevision {
		t.Error("fresh learner should not start in revision")
	}
	if sel.Batch.MaxQuestions != 10 {
		t.Errorf("MaxQuestions = %d, want 10", sel.Batch.MaxQuestions)
	}
	if sel.Batch.SessionID == "" {
		t.Error("batch has no session id")
	}
	if sel.Response == nil {
		t.Fatal("no question returned")
	}
	if sel.Response.QuestionText == "" {
		t.Error("question text empty")
	}
	if len(sel.Response.Answers) != 4 {
		t.Errorf("answer options = %d, want 4", len(sel.Response.Answers))
	}
	found := false
	for _, a := range sel.Response.Answers {
		if a == sel.Response.CorrectAnswer {
			found = true
		}
	}
	if !found {
		t.Error("correct answer missing from shuffled options")
	}
}

func TestSelectNextIsIdempotentWhilePending(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	first, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	second, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext again: %v", err)
	}
	if second.Response == nil || second.Response.ID != first.Response.ID {
		t.Errorf("pending question changed between polls: %+v vs %+v", first.Response, second.Response)
	}
	if len(fx.store.responses) != 1 {
		t.Errorf("stored responses = %d, want 1", len(fx.store.responses))
	}
}

func TestRecordResponseAdvancesToNextQuestion(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	first, _ := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	rec, err := fx.svc.RecordResponse(ctx, testUserID, first.Response.ID, first.Response.CorrectAnswer)
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if !rec.Correct {
		t.Error("correct answer judged wrong")
	}
	if rec.State.Mean != fx.engineResult.Mean || rec.State.StdDev != fx.engineResult.StdDev {
		t.Errorf("state not refreshed from inference: got (%f, %f)", rec.State.Mean, rec.State.StdDev)
	}
	if !rec.Batch.Open() {
		t.Fatalf("batch closed early: %q", rec.Batch.Completed)
	}

	next, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext after answer: %v", err)
	}
	if next.Response == nil || next.Response.ID == first.Response.ID {
		t.Error("did not advance to a fresh question after answering")
	}
	if next.Batch.ID != first.Batch.ID {
		t.Error("opened a second batch while one was still open")
	}
}

func TestRecordResponseJudgesWrongAnswer(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))

	rec := fx.selectAndAnswer(t, false)
	if rec.Correct {
		t.Error("wrong answer judged correct")
	}
	if rec.CorrectAnswer == "" || rec.Feedback == "" {
		t.Errorf("missing correction payload: answer=%q feedback=%q", rec.CorrectAnswer, rec.Feedback)
	}
}

func TestBatchClosesAtQuestionCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQuestions = 3
	fx := newFixture(cfg, 3, makeTemplates(testConceptID, 12, 1.0))

	var rec *RecordResult
	for i := 0; i < 3; i++ {
		rec = fx.selectAndAnswer(t, true)
	}
	if rec.Batch.Completed != models.BatchMaxQuestions {
		t.Errorf("completion = %q, want %q", rec.Batch.Completed, models.BatchMaxQuestions)
	}
	if rec.Batch.ConceptCompleted {
		t.Error("cap exit should not mark the concept complete")
	}
}

func TestDoingPoorlyClosesEarly(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	fx.engineResult = paramsWithLevel(-1.0)

	var rec *RecordResult
	for i := 0; i < 4; i++ {
		rec = fx.selectAndAnswer(t, false)
		if !rec.Batch.Open() {
			t.Fatalf("closed after %d answers, threshold needs at least 5", i+1)
		}
	}
	rec = fx.selectAndAnswer(t, false)
	if rec.Batch.Completed != models.BatchDoingPoorly {
		t.Errorf("completion = %q, want %q", rec.Batch.Completed, models.BatchDoingPoorly)
	}
	if rec.Batch.ConceptCompleted {
		t.Error("doing-poorly exit should not mark the concept complete")
	}
}

func TestRevisionBatchSkipsDoingPoorly(t *testing.T) {
	cfg := testConfig()
	cfg.RevisionMaxQuestions = 2
	cfg.DoingPoorlyMinAnswers = 1
	fx := newFixture(cfg, 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	// The learner has already reached the concept ceiling: next batch is
	// revision even if the live estimate has decayed.
	fx.store.GetOrCreateKnowledgeState(ctx, testUserID, testConceptID)
	fx.store.UpdateKnowledgeState(ctx, testUserID, testConceptID, 1, 1, 3.0)
	fx.engineResult = paramsWithLevel(-1.0)

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if !sel.Batch.IsRevision {
		t.Fatal("batch at the concept ceiling should be revision")
	}
	if sel.Batch.MaxQuestions != 2 {
		t.Errorf("revision MaxQuestions = %d, want 2", sel.Batch.MaxQuestions)
	}

	rec, err := fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, "not-the-answer")
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if rec.Batch.Completed == models.BatchDoingPoorly {
		t.Fatal("revision batch closed as doing_poorly")
	}
	if !rec.Batch.Open() {
		t.Fatalf("revision batch closed after one answer: %q", rec.Batch.Completed)
	}

	rec = fx.selectAndAnswer(t, false)
	if rec.Batch.Completed != models.BatchReviewCompleted {
		t.Errorf("completion = %q, want %q", rec.Batch.Completed, models.BatchReviewCompleted)
	}
}

func TestLevelAboveCeilingCompletesConcept(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))

	rec := fx.selectAndAnswer(t, true)
	if !rec.Batch.Open() {
		t.Fatalf("batch closed with neutral estimate: %q", rec.Batch.Completed)
	}

	fx.engineResult = paramsWithLevel(3.5)
	rec = fx.selectAndAnswer(t, true)
	if rec.Batch.Completed != models.BatchCompletedConcept {
		t.Fatalf("completion = %q, want %q", rec.Batch.Completed, models.BatchCompletedConcept)
	}
	if !rec.Batch.ConceptCompleted {
		t.Error("ConceptCompleted not set")
	}
	if rec.Batch.LevelsProgressed < 3.0 {
		t.Errorf("LevelsProgressed = %f, want > 3", rec.Batch.LevelsProgressed)
	}
	if math.Abs(rec.State.HighestLevelAchieved-3.5) > 0.01 {
		t.Errorf("HighestLevelAchieved = %f, want ~3.5", rec.State.HighestLevelAchieved)
	}
}

func TestHighestLevelNeverRegresses(t *testing.T) {
	fx := newFixture(testConfig(), 10, makeTemplates(testConceptID, 12, 1.0))

	fx.engineResult = paramsWithLevel(2.0)
	rec := fx.selectAndAnswer(t, true)
	if math.Abs(rec.State.HighestLevelAchieved-2.0) > 0.01 {
		t.Fatalf("HighestLevelAchieved = %f, want ~2.0", rec.State.HighestLevelAchieved)
	}

	// A noisy lower estimate must not pull the high-water mark down.
	fx.engineResult = paramsWithLevel(0.2)
	rec = fx.selectAndAnswer(t, true)
	if math.Abs(rec.State.HighestLevelAchieved-2.0) > 0.01 {
		t.Errorf("HighestLevelAchieved regressed to %f", rec.State.HighestLevelAchieved)
	}
	if rec.State.Level() > 0.3 {
		t.Errorf("live level = %f, want ~0.2", rec.State.Level())
	}
	if math.Abs(rec.State.DisplayLevel()-2.0) > 0.01 {
		t.Errorf("DisplayLevel = %f, want ~2.0", rec.State.DisplayLevel())
	}
}

func TestRecordResponseBusyWhileInferenceHeld(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}

	// Another worker process holds the inference lock for the same user.
	other := cache.NewSingleFlightMutex(fx.kv)
	if err := other.Lock(ctx, testUserID); err != nil {
		t.Fatalf("external Lock: %v", err)
	}
	defer other.Unlock(ctx, testUserID)

	_, err = fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, sel.Response.CorrectAnswer)
	if !errors.Is(err, cache.ErrInferenceBusy) {
		t.Fatalf("RecordResponse under held lock = %v, want ErrInferenceBusy", err)
	}

	// The answer itself landed before inference was attempted.
	stored, _ := fx.store.GetResponse(ctx, sel.Response.ID)
	if !stored.Answered() {
		t.Error("answer lost on busy signal")
	}
}

func TestTrainingDataIsChronological(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 2.0))

	fx.selectAndAnswer(t, true)
	fx.selectAndAnswer(t, false)
	fx.selectAndAnswer(t, true)

	want := []int{1, 0, 1}
	if len(fx.lastObs.Answers) != len(want) {
		t.Fatalf("observations = %d, want %d", len(fx.lastObs.Answers), len(want))
	}
	for i, a := range want {
		if fx.lastObs.Answers[i] != a {
			t.Errorf("answers[%d] = %d, want %d", i, fx.lastObs.Answers[i], a)
		}
		if fx.lastObs.Difficulties[i] != 2.0 {
			t.Errorf("difficulties[%d] = %f, want 2.0", i, fx.lastObs.Difficulties[i])
		}
		if fx.lastObs.GuessProbs[i] != 0.25 {
			t.Errorf("guess_probs[%d] = %f, want 0.25", i, fx.lastObs.GuessProbs[i])
		}
	}
}

func TestRecordResponseRejectsBadRequests(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	sel, _ := fx.svc.SelectNext(ctx, testUserID, testConceptID)

	if _, err := fx.svc.RecordResponse(ctx, testUserID, 99999, "x"); !errors.Is(err, ErrResponseNotFound) {
		t.Errorf("unknown response = %v, want ErrResponseNotFound", err)
	}
	if _, err := fx.svc.RecordResponse(ctx, testUserID+1, sel.Response.ID, "x"); !errors.Is(err, ErrWrongUser) {
		t.Errorf("other user's response = %v, want ErrWrongUser", err)
	}

	if _, err := fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, sel.Response.CorrectAnswer); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if _, err := fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, "x"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("double answer = %v, want ErrAlreadyAnswered", err)
	}
}

func TestRenderFailureDeactivatesTemplate(t *testing.T) {
	broken := &models.QuestionTemplate{
		ID:            1,
		ConceptID:     testConceptID,
		QuestionType:  "multiple_choice",
		Difficulty:    1.0,
		Body:          "What is {missing}?",
		CorrectAnswer: "unknowable",
		Distractors:   []string{"alpha", "beta", "gamma"},
		Active:        true,
	}
	fx := newFixture(testConfig(), 3, []*models.QuestionTemplate{broken})
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if !sel.NoContent {
		t.Error("expected NoContent once the only template failed to render")
	}
	if !fx.tpls.deactivated[broken.ID] {
		t.Error("broken template not deactivated")
	}
}

func TestNoTemplatesMeansNoContent(t *testing.T) {
	fx := newFixture(testConfig(), 3, nil)
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if !sel.NoContent {
		t.Error("expected NoContent for a concept with no templates")
	}
}

// slowStore stretches the read-check-append window so interleavings that
// depend on timing show up reliably.
type slowStore struct {
	*fakeStore
	delay time.Duration
}

func (s *slowStore) ListResponses(ctx context.Context, batchID int64) ([]*models.QuestionResponse, error) {
	time.Sleep(s.delay)
	return s.fakeStore.ListResponses(ctx, batchID)
}

func (s *slowStore) AppendResponse(ctx context.Context, resp *models.QuestionResponse) error {
	time.Sleep(s.delay)
	return s.fakeStore.AppendResponse(ctx, resp)
}

func TestConcurrentPollsShareOnePendingQuestion(t *testing.T) {
	cfg := testConfig()
	fx := newFixture(cfg, 3, makeTemplates(testConceptID, 12, 1.0))
	slow := &slowStore{fakeStore: fx.store, delay: 5 * time.Millisecond}
	fx.svc = NewService(slow, fx.tpls, fx.concepts, fx.kv, cfg)
	fx.svc.SetRand(rand.New(rand.NewSource(1)))
	fx.svc.SetEngineFactory(func(prior knowledge.GaussianParams) knowledge.Engine {
		return &fakeEngine{fx: fx}
	})
	ctx := context.Background()

	const polls = 4
	var wg sync.WaitGroup
	ids := make([]int64, polls)
	errs := make([]error, polls)
	for i := 0; i < polls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
			if err != nil {
				errs[i] = err
				return
			}
			if sel.Response != nil {
				ids[i] = sel.Response.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	// At most one unanswered question per batch, no matter how polls overlap.
	if n := len(fx.store.responses); n != 1 {
		t.Fatalf("concurrent polls appended %d responses, want 1", n)
	}
	if n := len(fx.store.batches); n != 1 {
		t.Errorf("concurrent polls opened %d batches, want 1", n)
	}
	for i := 1; i < polls; i++ {
		if ids[i] != ids[0] {
			t.Errorf("poll %d returned response %d, poll 0 returned %d", i, ids[i], ids[0])
		}
	}
}

func TestCapReachingAnswerWithBusySignalStillCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQuestions = 1
	fx := newFixture(cfg, 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}

	// Another worker holds the inference lock while the cap-reaching answer
	// arrives: the answer lands, inference and completion are skipped.
	other := cache.NewSingleFlightMutex(fx.kv)
	if err := other.Lock(ctx, testUserID); err != nil {
		t.Fatalf("external Lock: %v", err)
	}
	_, err = fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, sel.Response.CorrectAnswer)
	if !errors.Is(err, cache.ErrInferenceBusy) {
		t.Fatalf("RecordResponse under held lock = %v, want ErrInferenceBusy", err)
	}
	if err := other.Unlock(ctx, testUserID); err != nil {
		t.Fatalf("external Unlock: %v", err)
	}

	// The next poll catches up: inference runs and the full batch closes
	// instead of staying open forever with no question and no signal.
	next, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext after release: %v", err)
	}
	if next.Batch.Completed != models.BatchMaxQuestions {
		t.Fatalf("batch at cap completed = %q, want %q", next.Batch.Completed, models.BatchMaxQuestions)
	}
	if next.Response != nil {
		t.Error("closed batch still handed out a question")
	}

	state, err := fx.store.GetOrCreateKnowledgeState(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("GetOrCreateKnowledgeState: %v", err)
	}
	if state.Mean != fx.engineResult.Mean {
		t.Errorf("knowledge state never caught up: mean = %f, want %f", state.Mean, fx.engineResult.Mean)
	}
}

func TestConcurrentUsersSelectAndAnswer(t *testing.T) {
	fx := newFixture(testConfig(), 10, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for u := int64(1); u <= 4; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				sel, err := fx.svc.SelectNext(ctx, userID, testConceptID)
				if err != nil {
					errCh <- fmt.Errorf("user %d select %d: %w", userID, i, err)
					return
				}
				if sel.Response == nil {
					errCh <- fmt.Errorf("user %d select %d: no question", userID, i)
					return
				}
				if _, err := fx.svc.RecordResponse(ctx, userID, sel.Response.ID, sel.Response.CorrectAnswer); err != nil {
					errCh <- fmt.Errorf("user %d record %d: %w", userID, i, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Error(err)
	}
	if n := len(fx.store.batches); n != 4 {
		t.Errorf("batches = %d, want one per user", n)
	}
}

func TestSnapshotServedUntilGenerationBumps(t *testing.T) {
	fx := newFixture(testConfig(), 3, makeTemplates(testConceptID, 12, 1.0))
	ctx := context.Background()

	sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}

	// Prime the snapshot, then change the row underneath it. A matching
	// generation means the cached copy is still served.
	if _, err := fx.svc.loadResponses(ctx, sel.Batch); err != nil {
		t.Fatalf("loadResponses: %v", err)
	}
	fx.store.mu.Lock()
	fx.store.responses[sel.Response.ID].QuestionText = "changed underneath"
	fx.store.mu.Unlock()

	cached, err := fx.svc.loadResponses(ctx, sel.Batch)
	if err != nil {
		t.Fatalf("loadResponses cached: %v", err)
	}
	if cached[0].QuestionText == "changed underneath" {
		t.Fatal("read bypassed the snapshot while the generation matched")
	}

	// Any writer bumps the generation; the next read must reload.
	fx.svc.bumpGeneration(ctx, sel.Batch.ID)
	fresh, err := fx.svc.loadResponses(ctx, sel.Batch)
	if err != nil {
		t.Fatalf("loadResponses after bump: %v", err)
	}
	if fresh[0].QuestionText != "changed underneath" {
		t.Error("stale snapshot served after generation bump")
	}
}

// Full-loop check with the real sampler: a learner who answers hard questions
// correctly every time should clear a low-ceiling concept well within one
// batch.
func TestConceptCompletionWithRealInference(t *testing.T) {
	tpls := makeTemplates(testConceptID, 12, 0)
	for i, tpl := range tpls {
		tpl.Difficulty = 2.5 + 0.05*float64(i)
	}
	fx := newFixture(testConfig(), 1.5, tpls)
	fx.svc.SetEngineFactory(func(prior knowledge.GaussianParams) knowledge.Engine {
		return knowledge.NewMCMCEngine(prior, knowledge.SamplerConfig{Warmup: 500, Draws: 500, StepSize: 0.5, Seed: 42})
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		sel, err := fx.svc.SelectNext(ctx, testUserID, testConceptID)
		if err != nil {
			t.Fatalf("SelectNext %d: %v", i, err)
		}
		if sel.Response == nil {
			t.Fatalf("ran out of questions at %d (completed=%q)", i, sel.Batch.Completed)
		}
		rec, err := fx.svc.RecordResponse(ctx, testUserID, sel.Response.ID, sel.Response.CorrectAnswer)
		if err != nil {
			t.Fatalf("RecordResponse %d: %v", i, err)
		}
		if !rec.Batch.Open() {
			if rec.Batch.Completed != models.BatchCompletedConcept {
				t.Fatalf("closed as %q, want %q", rec.Batch.Completed, models.BatchCompletedConcept)
			}
			if !rec.Batch.ConceptCompleted {
				t.Error("ConceptCompleted not set")
			}
			if rec.State.Level() <= 1.5 {
				t.Errorf("level = %f, want > 1.5", rec.State.Level())
			}
			return
		}
	}
	t.Fatal("concept never completed within one batch of all-correct answers")
}
