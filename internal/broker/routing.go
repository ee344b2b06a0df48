package broker

import (
	"github.com/sells-group/verifyd/internal/model"
)

// Routing score weights. Candidates arrive oldest-first, so ties already
// break by earliest creation time then lowest sequence.
const (
	scoreProviderMatch = 40
	scorePoolMatch     = 30
	scorePriorWorker   = -60
	scoreRetriedBonus  = 10
)

// scoreChunk ranks one probe candidate for a claiming worker.
func scoreChunk(c *model.Chunk, workerID, provider, pool string, rotationPenalty bool) int {
	score := 0
	if provider != "" && c.PreferredProvider == provider {
		score += scoreProviderMatch
	}
	if pool != "" && c.PreferredPool == pool {
		score += scorePoolMatch
	}
	if rotationPenalty {
		for _, prior := range c.LastWorkerIDs {
			if prior == workerID {
				score += scorePriorWorker
				break
			}
		}
	}
	if c.RetryAttempt >= 1 {
		score += scoreRetriedBonus
	}
	return score
}

// pickBest returns the index of the highest-scoring candidate, keeping the
// earliest on ties.
func pickBest(candidates []model.Chunk, workerID, provider, pool string, rotationPenalty bool) int {
	best := 0
	bestScore := scoreChunk(&candidates[0], workerID, provider, pool, rotationPenalty)
	for i := 1; i < len(candidates); i++ {
		if s := scoreChunk(&candidates[i], workerID, provider, pool, rotationPenalty); s > bestScore {
			best = i
			bestScore = s
		}
	}
	return best
}
