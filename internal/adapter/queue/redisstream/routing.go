package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// acquireNode selects and CAS-reserves a backend node for one task attempt.
//
// Candidate preference: the dispatcher's pre-bound target when still alive,
// then the conversation's sticky slot binding, then a uniform random pick
// among alive idle nodes. A lost CAS re-enters the loop after a jittered
// pause so contending workers spread apart. Exhaustion returns
// domain.ErrNoCapacity, which the caller turns into a terminal task
// failure; infrastructure errors propagate as-is so the message stays
// pending.
//
// The returned drifted flag is true when the reserved node differs from the
// slot's previous binding (or no binding existed) and drives full context
// rebuild downstream.
func (p *Processor) acquireNode(ctx context.Context, conversationID string, slot int, target *string) (nodeURL string, drifted bool, err error) {
	lg := observability.LoggerFromContext(ctx)
	attempts := p.acquireRetry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		candidates, err := p.nodes.AliveIdle(ctx, p.family.ID)
		if err != nil {
			return "", false, fmt.Errorf("op=worker.route family=%s: %w", p.family.ID, err)
		}
		if len(candidates) == 0 {
			if attempt == 1 {
				// Nothing alive at all; retrying would only burn time.
				break
			}
		} else {
			url, prev, err := p.chooseNode(ctx, candidates, conversationID, slot, target)
			if err != nil {
				return "", false, err
			}
			ok, err := p.nodes.ClaimSlot(ctx, p.family.ID, url)
			if err != nil {
				return "", false, fmt.Errorf("op=worker.claim_node family=%s node=%s: %w", p.family.ID, url, err)
			}
			if ok {
				observability.RecordNodeAcquire(p.family.ID, "acquired")
				changed := prev == "" || prev != url
				if changed && conversationID != "" {
					p.bindSlot(ctx, conversationID, slot, url)
				}
				lg.Info("node reserved",
					slog.String("node", url),
					slog.Int("slot", slot),
					slog.Bool("drifted", changed),
					slog.Int("attempt", attempt))
				return url, changed, nil
			}
			observability.RecordNodeAcquire(p.family.ID, "contended")
			lg.Info("node contended, backing off",
				slog.String("node", url),
				slog.Int("attempt", attempt))
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(p.acquireRetry.Jitter(rand.Float64())): //nolint:gosec // Weak random is sufficient for backoff jitter.
			}
		}
	}
	observability.RecordNodeAcquire(p.family.ID, "exhausted")
	return "", false, domain.ErrNoCapacity
}

// chooseNode applies the preference order within one acquisition attempt
// and reports the slot's previous binding for drift detection.
func (p *Processor) chooseNode(ctx context.Context, candidates []domain.ServiceNode, conversationID string, slot int, target *string) (url, prev string, err error) {
	alive := make(map[string]struct{}, len(candidates))
	for _, n := range candidates {
		alive[n.URL] = struct{}{}
	}

	if conversationID != "" {
		conv, err := p.conversations.Get(ctx, conversationID)
		switch {
		case err == nil:
			prev = conv.NodeSlots[strconv.Itoa(slot)]
		case errors.Is(err, domain.ErrNotFound):
			// New conversation, no binding yet.
		default:
			return "", "", fmt.Errorf("op=worker.sticky_lookup conversation=%s: %w", conversationID, err)
		}
	}

	if target != nil && *target != "" {
		if _, ok := alive[*target]; ok {
			return *target, prev, nil
		}
	}
	if prev != "" {
		if _, ok := alive[prev]; ok {
			return prev, prev, nil
		}
	}
	pick := candidates[rand.Intn(len(candidates))] //nolint:gosec // Weak random is sufficient for load spreading.
	return pick.URL, prev, nil
}

// bindSlot records the slot binding. Bindings are advisory and
// last-write-wins, so failures downgrade to a warning.
func (p *Processor) bindSlot(ctx context.Context, conversationID string, slot int, url string) {
	if err := p.conversations.BindNodeSlot(ctx, conversationID, slot, url); err != nil {
		observability.LoggerFromContext(ctx).Warn("slot binding write failed",
			slog.String("conversation_id", conversationID),
			slog.Int("slot", slot),
			slog.String("node", url),
			slog.Any("error", err))
	}
}
