package batches

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/knowmap/backend/internal/models"
)

const snapshotTTL = 10 * time.Minute

// batchSnapshot is the cached JSON shape for a hot batch: an explicit tagged
// structure so cache reads cannot silently drift from what writers store.
// Generation is compared against the live generation key; a mismatch means a
// concurrent writer got there first and the snapshot must be discarded.
type batchSnapshot struct {
	Generation int64                      `json:"generation"`
	Batch      *models.QuestionBatch      `json:"batch"`
	Responses  []*models.QuestionResponse `json:"responses"`
}

func snapshotKey(batchID int64) string {
	return fmt.Sprintf("batch:%d:snapshot", batchID)
}

func generationKey(batchID int64) string {
	return fmt.Sprintf("batch:%d:generation", batchID)
}

// loadResponses returns the batch's responses, from the snapshot cache when
// its generation still matches, otherwise from the database (rewriting the
// snapshot). Cache failures degrade to a database read.
func (s *Service) loadResponses(ctx context.Context, batch *models.QuestionBatch) ([]*models.QuestionResponse, error) {
	snapJSON, found, err := s.kv.Get(ctx, snapshotKey(batch.ID))
	if err != nil {
		log.Printf("WARN: [batch] snapshot read failed for batch %d: %v", batch.ID, err)
	} else if found {
		genValue, genFound, err := s.kv.Get(ctx, generationKey(batch.ID))
		if err == nil && genFound {
			var snap batchSnapshot
			if err := json.Unmarshal([]byte(snapJSON), &snap); err == nil {
				gen, parseErr := strconv.ParseInt(genValue, 10, 64)
				if parseErr == nil && gen == snap.Generation {
					return snap.Responses, nil
				}
				// A concurrent writer moved the generation: invalidate
				// rather than serving a stale merge.
				if err := s.kv.Delete(ctx, snapshotKey(batch.ID)); err != nil {
					log.Printf("WARN: [batch] stale snapshot delete failed for batch %d: %v", batch.ID, err)
				}
			}
		}
	}

	responses, err := s.store.ListResponses(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	s.writeSnapshot(ctx, batch, responses)
	return responses, nil
}

func (s *Service) writeSnapshot(ctx context.Context, batch *models.QuestionBatch, responses []*models.QuestionResponse) {
	gen, err := s.currentGeneration(ctx, batch.ID)
	if err != nil {
		log.Printf("WARN: [batch] generation read failed for batch %d: %v", batch.ID, err)
		return
	}
	raw, err := json.Marshal(batchSnapshot{Generation: gen, Batch: batch, Responses: responses})
	if err != nil {
		log.Printf("WARN: [batch] snapshot marshal failed for batch %d: %v", batch.ID, err)
		return
	}
	if err := s.kv.Set(ctx, snapshotKey(batch.ID), string(raw), snapshotTTL); err != nil {
		log.Printf("WARN: [batch] snapshot write failed for batch %d: %v", batch.ID, err)
	}
}

func (s *Service) currentGeneration(ctx context.Context, batchID int64) (int64, error) {
	value, found, err := s.kv.Get(ctx, generationKey(batchID))
	if err != nil {
		return 0, err
	}
	if !found {
		return s.kv.Incr(ctx, generationKey(batchID), snapshotTTL)
	}
	return strconv.ParseInt(value, 10, 64)
}

// bumpGeneration advances the batch's generation token and drops the cached
// snapshot. Every write path through the orchestrator calls this.
func (s *Service) bumpGeneration(ctx context.Context, batchID int64) {
	if _, err := s.kv.Incr(ctx, generationKey(batchID), snapshotTTL); err != nil {
		log.Printf("WARN: [batch] generation bump failed for batch %d: %v", batchID, err)
	}
	if err := s.kv.Delete(ctx, snapshotKey(batchID)); err != nil {
		log.Printf("WARN: [batch] snapshot invalidate failed for batch %d: %v", batchID, err)
	}
}
