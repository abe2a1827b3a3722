package batches

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knowmap/backend/internal/cache"
	"github.com/knowmap/backend/internal/knowledge"
	"github.com/knowmap/backend/internal/models"
	"github.com/knowmap/backend/internal/selection"
	"github.com/knowmap/backend/internal/templates"
)

// Persistence is the storage contract the orchestrator drives. *Store is the
// Postgres implementation; tests substitute an in-memory fake.
type Persistence interface {
	GetOrCreateKnowledgeState(ctx context.Context, userID, conceptID int64) (*models.KnowledgeState, error)
	UpdateKnowledgeState(ctx context.Context, userID, conceptID int64, mean, stdDev, highestLevel float64) error
	GetOpenBatch(ctx context.Context, userID, conceptID int64, since time.Time) (*models.QuestionBatch, error)
	GetBatch(ctx context.Context, batchID int64) (*models.QuestionBatch, error)
	CreateBatch(ctx context.Context, batch *models.QuestionBatch) error
	CloseBatch(ctx context.Context, batchID int64, completion models.BatchCompletion, levelsProgressed float64, conceptCompleted bool) error
	AppendResponse(ctx context.Context, resp *models.QuestionResponse) error
	GetResponse(ctx context.Context, responseID int64) (*models.QuestionResponse, error)
	AnswerResponse(ctx context.Context, responseID int64, givenAnswer string, correct bool) error
	ListResponses(ctx context.Context, batchID int64) ([]*models.QuestionResponse, error)
	TrainingData(ctx context.Context, userID, conceptID int64) (knowledge.Observations, error)
	TemplateHistoryCounts(ctx context.Context, userID int64, templateIDs []int64, askedSince time.Time) (map[int64]int, error)
}

// TemplateSource supplies the selectable question content for a concept.
type TemplateSource interface {
	ActiveTemplatesForConcept(ctx context.Context, conceptID int64) ([]*models.QuestionTemplate, error)
	Deactivate(ctx context.Context, templateID int64) error
}

// ConceptSource exposes the concept facts the completion predicate needs.
type ConceptSource interface {
	MaxDifficultyLevel(ctx context.Context, conceptID int64) (float64, error)
}

// EngineFactory builds a fresh inference engine around a prior belief.
type EngineFactory func(prior knowledge.GaussianParams) knowledge.Engine

// Service owns the batch lifecycle: question selection, answer recording,
// inference, and completion. One instance serves all users; cross-process
// coordination goes through the shared KV store and the inference mutex.
type Service struct {
	store     Persistence
	templates TemplateSource
	concepts  ConceptSource
	kv        cache.Store
	mutex     *cache.SingleFlightMutex
	selectMu  *cache.KeyMutex
	cfg       Config
	newEngine EngineFactory

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(store Persistence, tplSource TemplateSource, conceptSource ConceptSource, kv cache.Store, cfg Config) *Service {
	return &Service{
		store:     store,
		templates: tplSource,
		concepts:  conceptSource,
		kv:        kv,
		mutex:     cache.NewSingleFlightMutex(kv),
		selectMu:  cache.NewKeyMutex(kv),
		cfg:       cfg,
		newEngine: func(prior knowledge.GaussianParams) knowledge.Engine {
			sampler := cfg.Sampler
			if sampler.Seed == 0 {
				sampler.Seed = uint64(time.Now().UnixNano())
			}
			return knowledge.NewMCMCEngine(prior, sampler)
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetEngineFactory swaps the inference engine construction, e.g. for a
// deterministic engine in tests.
func (s *Service) SetEngineFactory(f EngineFactory) {
	s.newEngine = f
}

// SetRand pins the selection randomness to a fixed source.
func (s *Service) SetRand(rng *rand.Rand) {
	s.rngMu.Lock()
	s.rng = rng
	s.rngMu.Unlock()
}

// selectionRand derives a request-local random source. rand.Rand is not safe
// for concurrent use, so the shared seed source is only touched under rngMu
// and never handed to request goroutines directly.
func (s *Service) selectionRand() *rand.Rand {
	s.rngMu.Lock()
	seed := s.rng.Int63()
	s.rngMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// selectionKey is the lease serializing all batch reads and writes for one
// (user, concept) pair across worker processes.
func selectionKey(userID, conceptID int64) string {
	return fmt.Sprintf("select:%d:%d", userID, conceptID)
}

// SelectResult is the outcome of SelectNext. Response is nil when the batch
// is already complete or the concept has run out of fresh content.
type SelectResult struct {
	Batch     *models.QuestionBatch
	Response  *models.QuestionResponse
	NoContent bool
}

// SelectNext returns the question the learner should answer next. Repeated
// calls without an intervening RecordResponse return the same pending
// question: polling never piles up unanswered questions. The whole
// read-check-append sequence runs under the per-(user, concept) lease so two
// concurrent polls cannot both observe "no pending question" and both append.
func (s *Service) SelectNext(ctx context.Context, userID, conceptID int64) (*SelectResult, error) {
	key := selectionKey(userID, conceptID)
	if err := s.selectMu.Lock(ctx, key); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.selectMu.Unlock(ctx, key); err != nil {
			log.Printf("WARN: [batch] release selection lease for user %d: %v", userID, err)
		}
	}()

	state, err := s.store.GetOrCreateKnowledgeState(ctx, userID, conceptID)
	if err != nil {
		return nil, err
	}

	batch, err := s.openOrCreateBatch(ctx, state)
	if err != nil {
		return nil, err
	}
	if !batch.Open() {
		return &SelectResult{Batch: batch}, nil
	}

	responses, err := s.loadResponses(ctx, batch)
	if err != nil {
		return nil, err
	}

	// Idempotence: an unanswered question stays the current question.
	if pending := pendingResponse(responses); pending != nil {
		return &SelectResult{Batch: batch, Response: pending}, nil
	}
	if countAnswered(responses) >= batch.MaxQuestions {
		// The answer that reached the cap may have hit a busy signal before
		// its inference ran, leaving the batch open with no completion. Catch
		// up here so a full batch always reaches a terminal state.
		state, err = s.runInference(ctx, batch)
		if err != nil {
			return nil, err
		}
		batch, err = s.evaluateCompletion(ctx, state, batch)
		if err != nil {
			return nil, err
		}
		return &SelectResult{Batch: batch}, nil
	}

	resp, err := s.selectQuestion(ctx, state, batch, responses)
	if err != nil {
		if errors.Is(err, selection.ErrNoQuestion) {
			log.Printf("[batch] no unused question left for user=%d concept=%d batch=%d", userID, conceptID, batch.ID)
			return &SelectResult{Batch: batch, NoContent: true}, nil
		}
		return nil, err
	}

	if err := s.store.AppendResponse(ctx, resp); err != nil {
		return nil, err
	}
	s.bumpGeneration(ctx, batch.ID)

	return &SelectResult{Batch: batch, Response: resp}, nil
}

// RecordResult is the outcome of RecordResponse.
type RecordResult struct {
	Correct       bool
	CorrectAnswer string
	Feedback      string
	State         *models.KnowledgeState
	Batch         *models.QuestionBatch
}

// RecordResponse writes the learner's answer, re-infers the knowledge state
// from the full answer history under the single-flight mutex, and evaluates
// batch completion. cache.ErrInferenceBusy means the answer was recorded but
// inference was skipped; since inference always replays the full history, the
// state catches up on the next answer, or on the next SelectNext poll when
// this answer filled the batch.
func (s *Service) RecordResponse(ctx context.Context, userID, responseID int64, givenAnswer string) (*RecordResult, error) {
	resp, err := s.store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if resp.Answered() {
		return nil, ErrAlreadyAnswered
	}

	batch, err := s.store.GetBatch(ctx, resp.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, ErrWrongUser
	}

	key := selectionKey(batch.UserID, batch.ConceptID)
	if err := s.selectMu.Lock(ctx, key); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.selectMu.Unlock(ctx, key); err != nil {
			log.Printf("WARN: [batch] release selection lease for user %d: %v", batch.UserID, err)
		}
	}()

	// Re-read under the lease: a concurrent request may have answered this
	// question or closed the batch in the window above.
	resp, err = s.store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if resp.Answered() {
		return nil, ErrAlreadyAnswered
	}
	batch, err = s.store.GetBatch(ctx, resp.BatchID)
	if err != nil {
		return nil, err
	}
	if !batch.Open() {
		return nil, ErrBatchClosed
	}

	correct := givenAnswer == resp.CorrectAnswer
	if err := s.store.AnswerResponse(ctx, responseID, givenAnswer, correct); err != nil {
		return nil, err
	}
	s.bumpGeneration(ctx, batch.ID)

	state, err := s.runInference(ctx, batch)
	if err != nil {
		return nil, err
	}

	batch, err = s.evaluateCompletion(ctx, state, batch)
	if err != nil {
		return nil, err
	}

	return &RecordResult{
		Correct:       correct,
		CorrectAnswer: resp.CorrectAnswer,
		Feedback:      resp.Feedback,
		State:         state,
		Batch:         batch,
	}, nil
}

// GetKnowledgeState returns the current belief for (user, concept).
func (s *Service) GetKnowledgeState(ctx context.Context, userID, conceptID int64) (*models.KnowledgeState, error) {
	return s.store.GetOrCreateKnowledgeState(ctx, userID, conceptID)
}

// ── Internals ───────────────────────────────────────────

func (s *Service) openOrCreateBatch(ctx context.Context, state *models.KnowledgeState) (*models.QuestionBatch, error) {
	since := time.Now().UTC().Truncate(s.cfg.BatchWindow)
	batch, err := s.store.GetOpenBatch(ctx, state.UserID, state.ConceptID, since)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}

	maxDifficulty, err := s.concepts.MaxDifficultyLevel(ctx, state.ConceptID)
	if err != nil {
		return nil, err
	}

	// A batch started at or above the concept's ceiling is revision: shorter
	// cap, and the doing-poorly early exit does not apply.
	isRevision := maxDifficulty > 0 && state.DisplayLevel() >= maxDifficulty
	maxQuestions := s.cfg.MaxQuestions
	if isRevision {
		maxQuestions = s.cfg.RevisionMaxQuestions
	}

	batch = &models.QuestionBatch{
		UserID:        state.UserID,
		ConceptID:     state.ConceptID,
		SessionID:     uuid.NewString(),
		InitialMean:   state.Mean,
		InitialStdDev: state.StdDev,
		IsRevision:    isRevision,
		MaxQuestions:  maxQuestions,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	log.Printf("[batch] opened batch=%d user=%d concept=%d revision=%v cap=%d",
		batch.ID, batch.UserID, batch.ConceptID, batch.IsRevision, batch.MaxQuestions)
	return batch, nil
}

func (s *Service) selectQuestion(ctx context.Context, state *models.KnowledgeState, batch *models.QuestionBatch, responses []*models.QuestionResponse) (*models.QuestionResponse, error) {
	active, err := s.templates.ActiveTemplatesForConcept(ctx, batch.ConceptID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, selection.ErrNoQuestion
	}
	rng := s.selectionRand()

	// Render failures knock a template out of this pick and retry with the
	// rest instead of aborting the batch.
	for len(active) > 0 {
		picked, err := s.pickTemplate(ctx, state, batch, responses, active, rng)
		if err != nil {
			return nil, err
		}

		rendered, err := templates.Render(picked.Template, picked.Params, rng)
		if err != nil {
			log.Printf("WARN: [batch] render failed, deactivating template %d: %v", picked.Template.ID, err)
			if derr := s.templates.Deactivate(ctx, picked.Template.ID); derr != nil {
				log.Printf("WARN: [batch] deactivate template %d: %v", picked.Template.ID, derr)
			}
			active = removeTemplate(active, picked.Template.ID)
			continue
		}

		return &models.QuestionResponse{
			BatchID:        batch.ID,
			TemplateID:     picked.Template.ID,
			QuestionParams: picked.Params,
			QuestionText:   rendered.QuestionText,
			Answers:        rendered.Answers,
			CorrectAnswer:  rendered.CorrectAnswer,
			Feedback:       rendered.Feedback,
			AskedAt:        time.Now().UTC(),
		}, nil
	}
	return nil, selection.ErrNoQuestion
}

func (s *Service) pickTemplate(ctx context.Context, state *models.KnowledgeState, batch *models.QuestionBatch, responses []*models.QuestionResponse, active []*models.QuestionTemplate, rng *rand.Rand) (*selection.Picked, error) {
	difficulties := make([]float64, len(active))
	guessProbs := make([]float64, len(active))
	templateIDs := make([]int64, len(active))
	for i, tpl := range active {
		difficulties[i] = tpl.Difficulty
		guessProbs[i] = tpl.GuessProb()
		templateIDs[i] = tpl.ID
	}

	engine := s.newEngine(state.Params())
	probs, err := engine.Predict(difficulties, guessProbs)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	since := time.Now().UTC().Truncate(s.cfg.BatchWindow)
	historyCounts, err := s.store.TemplateHistoryCounts(ctx, state.UserID, templateIDs, since)
	if err != nil {
		return nil, err
	}

	typeByTemplate := make(map[int64]string, len(active))
	for _, tpl := range active {
		typeByTemplate[tpl.ID] = tpl.QuestionType
	}

	batchAsks := make(map[int64]int)
	typeAsks := make(map[string]int)
	used := make(map[string]bool, len(responses))
	for _, r := range responses {
		batchAsks[r.TemplateID]++
		if qt, ok := typeByTemplate[r.TemplateID]; ok {
			typeAsks[qt]++
		}
		used[selection.ParamsKey(r.TemplateID, r.QuestionParams)] = true
	}

	candidates := make([]selection.Candidate, len(active))
	for i, tpl := range active {
		candidates[i] = selection.Candidate{
			Template:      tpl,
			PredictedProb: probs[i],
			BatchAsks:     batchAsks[tpl.ID],
			HistoryCount:  historyCounts[tpl.ID],
		}
	}

	picker := selection.NewPicker(s.cfg.Selection, rng)
	return picker.Pick(candidates, typeAsks, len(responses), used)
}

// runInference rebuilds the training data and refreshes the knowledge state
// under the single-flight mutex. The mutex is released on every exit path.
func (s *Service) runInference(ctx context.Context, batch *models.QuestionBatch) (*models.KnowledgeState, error) {
	if err := s.mutex.Lock(ctx, batch.UserID); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.mutex.Unlock(ctx, batch.UserID); err != nil {
			log.Printf("WARN: [batch] release inference lock for user %d: %v", batch.UserID, err)
		}
	}()

	obs, err := s.store.TrainingData(ctx, batch.UserID, batch.ConceptID)
	if err != nil {
		return nil, err
	}

	// The full history is re-inferred against the default prior each time;
	// the persisted mean/std_dev is purely a cache of the latest posterior.
	engine := s.newEngine(knowledge.DefaultPrior())
	if err := engine.RunInference(obs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	params := engine.ThetaParams()

	state, err := s.store.GetOrCreateKnowledgeState(ctx, batch.UserID, batch.ConceptID)
	if err != nil {
		return nil, err
	}

	highest := state.HighestLevelAchieved
	if level := params.Level(); level > highest {
		highest = level
	}
	if err := s.store.UpdateKnowledgeState(ctx, batch.UserID, batch.ConceptID, params.Mean, params.StdDev, highest); err != nil {
		return nil, err
	}

	state.Mean = params.Mean
	state.StdDev = params.StdDev
	state.HighestLevelAchieved = highest
	return state, nil
}

func (s *Service) evaluateCompletion(ctx context.Context, state *models.KnowledgeState, batch *models.QuestionBatch) (*models.QuestionBatch, error) {
	responses, err := s.store.ListResponses(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	answered := countAnswered(responses)

	maxDifficulty, err := s.concepts.MaxDifficultyLevel(ctx, batch.ConceptID)
	if err != nil {
		return nil, err
	}

	level := state.Level()
	rawLevel := state.Params().RawLevel()
	completion := models.BatchOpen
	conceptCompleted := false

	switch {
	case maxDifficulty > 0 && level > maxDifficulty:
		completion = models.BatchCompletedConcept
		conceptCompleted = true
	case !batch.IsRevision && answered >= s.cfg.DoingPoorlyMinAnswers && rawLevel < s.cfg.DoingPoorlyLevel:
		completion = models.BatchDoingPoorly
	case answered >= batch.MaxQuestions && batch.IsRevision:
		completion = models.BatchReviewCompleted
	case answered >= batch.MaxQuestions:
		completion = models.BatchMaxQuestions
	}

	if completion == models.BatchOpen {
		return batch, nil
	}

	levelsProgressed := level - batch.InitialParams().Level()
	if err := s.store.CloseBatch(ctx, batch.ID, completion, levelsProgressed, conceptCompleted); err != nil {
		return nil, err
	}
	s.bumpGeneration(ctx, batch.ID)

	batch.Completed = completion
	batch.LevelsProgressed = levelsProgressed
	batch.ConceptCompleted = conceptCompleted
	log.Printf("[batch] closed batch=%d user=%d concept=%d reason=%s levels=%+.2f",
		batch.ID, batch.UserID, batch.ConceptID, completion, levelsProgressed)
	return batch, nil
}

func pendingResponse(responses []*models.QuestionResponse) *models.QuestionResponse {
	for _, r := range responses {
		if !r.Answered() {
			return r
		}
	}
	return nil
}

func countAnswered(responses []*models.QuestionResponse) int {
	n := 0
	for _, r := range responses {
		if r.Answered() {
			n++
		}
	}
	return n
}

func removeTemplate(list []*models.QuestionTemplate, id int64) []*models.QuestionTemplate {
	out := list[:0]
	for _, tpl := range list {
		if tpl.ID != id {
			out = append(out, tpl)
		}
	}
	return out
}
