package hive

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

// OpenProposal broadcasts a consensus proposal to the voters and tracks it
// until achieved, rejected, or expired. Votes arrive on the Queen's mailbox
// as RESPONSE messages on the consensus:<id> topic.
func (q *Queen) OpenProposal(ctx context.Context, scope string, body map[string]interface{}, voters []identity.AgentID, threshold float64, timeout time.Duration) (*ConsensusProposal, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = q.config.ConsensusThreshold
	}
	if timeout <= 0 {
		timeout = q.config.ConsensusTimeout
	}

	p := &ConsensusProposal{
		ID:        identity.NewProposalID(),
		Scope:     scope,
		Proposal:  body,
		Threshold: threshold,
		Voters:    voters,
		Votes:     make(map[string]VoteValue),
		Deadline:  time.Now().UTC().Add(timeout),
		Status:    ProposalPending,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.proposals[p.ID] = p
	q.stats.ConsensusRounds++
	q.mu.Unlock()

	topic := bus.TopicConsensusPrefix + p.ID
	msg := bus.NewMessage(q.id, voters, bus.MessageTypeConsensus, bus.PriorityHigh, topic, map[string]interface{}{
		"proposal_id": p.ID,
		"scope":       scope,
		"proposal":    body,
		"threshold":   threshold,
		"deadline":    p.Deadline.Format(time.RFC3339),
	})
	msg.RequiresResponse = true
	if err := q.bus.Send(msg); err != nil {
		q.mu.Lock()
		delete(q.proposals, p.ID)
		q.mu.Unlock()
		return nil, err
	}

	log.WithFields(log.Fields{
		"proposal_id": p.ID,
		"scope":       scope,
		"voters":      len(voters),
		"threshold":   threshold,
	}).Info("Consensus proposal opened")
	return p, nil
}

// RecordVote folds one vote into a pending proposal and re-evaluates it
func (q *Queen) RecordVote(ctx context.Context, proposalID, agentKey string, approve bool, reason string) {
	q.mu.Lock()
	p, ok := q.proposals[proposalID]
	if !ok || p.Status != ProposalPending {
		q.mu.Unlock()
		return
	}

	// Only solicited voters count; one vote per agent, first wins.
	solicited := false
	for _, v := range p.Voters {
		if v.Key() == agentKey {
			solicited = true
			break
		}
	}
	if !solicited {
		q.mu.Unlock()
		log.WithFields(log.Fields{
			"proposal_id": proposalID,
			"agent":       agentKey,
		}).Debug("Ignoring vote from unsolicited agent")
		return
	}
	if _, voted := p.Votes[agentKey]; voted {
		q.mu.Unlock()
		return
	}
	p.Votes[agentKey] = VoteValue{Approve: approve, Reason: reason, VotedAt: time.Now().UTC()}
	q.mu.Unlock()

	q.evaluateProposal(ctx, proposalID)
}

// evaluateProposal resolves a proposal once the outcome is decided:
// achieved when positive/total >= threshold, rejected when the remaining
// voters cannot change the outcome
func (q *Queen) evaluateProposal(ctx context.Context, proposalID string) {
	q.mu.Lock()
	p, ok := q.proposals[proposalID]
	if !ok || p.Status != ProposalPending {
		q.mu.Unlock()
		return
	}

	total := len(p.Voters)
	positive := 0
	for _, v := range p.Votes {
		if v.Approve {
			positive++
		}
	}
	remaining := total - len(p.Votes)

	var resolved ProposalStatus
	switch {
	case total > 0 && float64(positive)/float64(total) >= p.Threshold:
		resolved = ProposalAchieved
	case total > 0 && float64(positive+remaining)/float64(total) < p.Threshold:
		resolved = ProposalRejected
	default:
		q.mu.Unlock()
		return
	}
	p.Status = resolved
	scope := p.Scope
	q.mu.Unlock()

	eventType := store.EventConsensusAchieved
	if resolved == ProposalRejected {
		eventType = store.EventConsensusRejected
	}
	q.recordEvent(ctx, scope, eventType, map[string]interface{}{
		"proposal_id": proposalID,
		"positive":    positive,
		"total":       total,
	})

	log.WithFields(log.Fields{
		"proposal_id": proposalID,
		"status":      resolved,
		"positive":    positive,
		"total":       total,
	}).Info("Consensus proposal resolved")
}

// expireProposals marks pending proposals past their deadline as expired
func (q *Queen) expireProposals(ctx context.Context, now time.Time) {
	q.mu.Lock()
	var expired []*ConsensusProposal
	for _, p := range q.proposals {
		if p.Status == ProposalPending && now.After(p.Deadline) {
			p.Status = ProposalExpired
			expired = append(expired, p)
		}
	}
	q.mu.Unlock()

	for _, p := range expired {
		q.recordEvent(ctx, p.Scope, store.EventConsensusExpired, map[string]interface{}{
			"proposal_id": p.ID,
			"votes":       len(p.Votes),
			"total":       len(p.Voters),
		})
		log.WithFields(log.Fields{
			"proposal_id": p.ID,
			"scope":       p.Scope,
		}).Warn("Consensus proposal expired")
	}
}

// GetProposal returns a copy of a proposal
func (q *Queen) GetProposal(proposalID string) (*ConsensusProposal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.proposals[proposalID]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	cp.Votes = make(map[string]VoteValue, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return &cp, nil
}

// AwaitProposal blocks until the proposal leaves the pending state or the
// context is cancelled, polling on a short interval
func (q *Queen) AwaitProposal(ctx context.Context, proposalID string) (ProposalStatus, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p, err := q.GetProposal(proposalID)
		if err != nil {
			return "", err
		}
		if p.Status != ProposalPending {
			return p.Status, nil
		}
		q.expireProposals(ctx, time.Now().UTC())

		select {
		case <-ctx.Done():
			return ProposalPending, ctx.Err()
		case <-ticker.C:
		}
	}
}
