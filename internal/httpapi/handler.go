package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/knowmap/backend/internal/batches"
	"github.com/knowmap/backend/internal/cache"
	"github.com/knowmap/backend/internal/concepts"
	"github.com/knowmap/backend/internal/models"
)

type Handler struct {
	service  *batches.Service
	concepts *concepts.Store
}

func NewHandler(service *batches.Service, conceptStore *concepts.Store) *Handler {
	return &Handler{service: service, concepts: conceptStore}
}

// RegisterRoutes mounts the question-engine endpoints on the router.
func (h *Handler) RegisterRoutes(api *mux.Router) {
	api.HandleFunc("/concepts/{id}", h.GetConcept).Methods("GET")
	api.HandleFunc("/concepts/{id}/next-question", h.NextQuestion).Methods("POST")
	api.HandleFunc("/concepts/{id}/knowledge", h.GetKnowledge).Methods("GET")
	api.HandleFunc("/responses/{id}/answer", h.SubmitAnswer).Methods("POST")
}

// getUserID reads the caller identity. Real authentication lives in front of
// this service; the engine only needs a stable user ID.
func getUserID(r *http.Request) (int64, bool) {
	uid, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}

func (h *Handler) NextQuestion(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "X-User-ID header required"})
		return
	}
	conceptID, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid concept id"})
		return
	}

	result, err := h.service.SelectNext(r.Context(), userID, conceptID)
	switch {
	case errors.Is(err, cache.ErrInferenceBusy), errors.Is(err, cache.ErrLockBusy):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "engine busy, try again shortly"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Selection failed: " + err.Error()})
		return
	}

	resp := models.NextQuestionResponse{
		BatchID:   result.Batch.ID,
		SessionID: result.Batch.SessionID,
		Completed: result.Batch.Completed,
		NoContent: result.NoContent,
	}
	if result.Response != nil {
		resp.ResponseID = result.Response.ID
		resp.QuestionText = result.Response.QuestionText
		resp.Answers = result.Response.Answers
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "X-User-ID header required"})
		return
	}
	responseID, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid response id"})
		return
	}

	var req models.SubmitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.Answer == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "answer is required"})
		return
	}

	result, err := h.service.RecordResponse(r.Context(), userID, responseID, req.Answer)
	switch {
	case errors.Is(err, cache.ErrInferenceBusy), errors.Is(err, cache.ErrLockBusy):
		// Retry signal, not a failure: the answer may already be recorded,
		// inference or another request for this user is still running.
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "inference in progress, try again shortly"})
		return
	case errors.Is(err, batches.ErrResponseNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "response not found"})
		return
	case errors.Is(err, batches.ErrAlreadyAnswered):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "response already answered"})
		return
	case errors.Is(err, batches.ErrWrongUser):
		writeJSON(w, http.StatusForbidden, models.ErrorResponse{Error: "response belongs to another user"})
		return
	case errors.Is(err, batches.ErrBatchClosed):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "batch already completed"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Recording failed: " + err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, models.SubmitAnswerResponse{
		Correct:          result.Correct,
		CorrectAnswer:    result.CorrectAnswer,
		Feedback:         result.Feedback,
		NewLevel:         result.State.Level(),
		DisplayLevel:     result.State.DisplayLevel(),
		BatchCompleted:   result.Batch.Completed,
		ConceptCompleted: result.Batch.ConceptCompleted,
	})
}

func (h *Handler) GetKnowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "X-User-ID header required"})
		return
	}
	conceptID, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid concept id"})
		return
	}

	state, err := h.service.GetKnowledgeState(r.Context(), userID, conceptID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load knowledge state"})
		return
	}

	writeJSON(w, http.StatusOK, models.KnowledgeResponse{
		ConceptID:            state.ConceptID,
		Mean:                 state.Mean,
		StdDev:               state.StdDev,
		Level:                state.Level(),
		DisplayLevel:         state.DisplayLevel(),
		HighestLevelAchieved: state.HighestLevelAchieved,
	})
}

func (h *Handler) GetConcept(w http.ResponseWriter, r *http.Request) {
	conceptID, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid concept id"})
		return
	}

	concept, err := h.concepts.GetConcept(r.Context(), conceptID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "concept not found"})
		return
	}
	maxDifficulty, err := h.concepts.MaxDifficultyLevel(r.Context(), conceptID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load concept"})
		return
	}
	prereqSet, err := h.concepts.DirectPrerequisites(r.Context(), conceptID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load prerequisites"})
		return
	}
	prereqs := make([]int64, 0, len(prereqSet))
	for id := range prereqSet {
		prereqs = append(prereqs, id)
	}
	sort.Slice(prereqs, func(i, j int) bool { return prereqs[i] < prereqs[j] })

	writeJSON(w, http.StatusOK, models.ConceptResponse{
		ID:            concept.ID,
		Name:          concept.Name,
		MaxDifficulty: maxDifficulty,
		Prerequisites: prereqs,
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
