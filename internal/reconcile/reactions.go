package reconcile

import (
	"time"

	"convsync/internal/models"
)

// pendingReaction is a reaction whose target message has not arrived yet.
// Arrival order across channels is not guaranteed, so reactions are never
// dropped for ordering reasons; they wait here until the target shows up
// or the TTL runs out.
type pendingReaction struct {
	reaction  models.Reaction
	expiresAt time.Time
}

type reactionBuffer struct {
	ttl     time.Duration
	pending map[string][]pendingReaction
}

func newReactionBuffer(ttl time.Duration) *reactionBuffer {
	return &reactionBuffer{
		ttl:     ttl,
		pending: make(map[string][]pendingReaction),
	}
}

func (b *reactionBuffer) add(targetID string, r models.Reaction) {
	b.pending[targetID] = append(b.pending[targetID], pendingReaction{
		reaction:  r,
		expiresAt: time.Now().Add(b.ttl),
	})
}

// take removes and returns all buffered reactions for a target.
func (b *reactionBuffer) take(targetID string) []models.Reaction {
	entries, ok := b.pending[targetID]
	if !ok {
		return nil
	}
	delete(b.pending, targetID)

	now := time.Now()
	var out []models.Reaction
	for _, e := range entries {
		if now.Before(e.expiresAt) {
			out = append(out, e.reaction)
		}
	}
	return out
}

// sweep drops expired entries and returns how many were discarded.
func (b *reactionBuffer) sweep() int {
	now := time.Now()
	dropped := 0
	for target, entries := range b.pending {
		kept := entries[:0]
		for _, e := range entries {
			if now.Before(e.expiresAt) {
				kept = append(kept, e)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(b.pending, target)
		} else {
			b.pending[target] = kept
		}
	}
	return dropped
}

func (b *reactionBuffer) size() int {
	n := 0
	for _, entries := range b.pending {
		n += len(entries)
	}
	return n
}
