package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"piquante-api/internal/domain"
	"piquante-api/internal/repository"
)

// maxVoteAttempts bounds re-reads after a concurrent writer bumped the version.
const maxVoteAttempts = 5

// VoteResult is the state of a sauce right after a vote was reconciled.
type VoteResult struct {
	Sauce   *domain.Sauce
	Outcome domain.VoteOutcome
}

// VoteService reconciles vote intents with the stored vote state of a sauce.
type VoteService interface {
	ApplyVote(ctx context.Context, sauceID, userID string, vote domain.Vote) (*VoteResult, error)
}

type voteService struct {
	sauces repository.SauceRepository
	locks  *Locker
	log    *logrus.Logger
}

func NewVoteService(sauces repository.SauceRepository, locks *Locker, logger *logrus.Logger) VoteService {
	if locks == nil {
		locks = NewLocker()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &voteService{sauces: sauces, locks: locks, log: logger}
}

// ApplyVote sets userID's vote on sauceID to vote. Repeating the current vote
// is a successful no-op; switching between like and dislike happens in a
// single write.
func (s *voteService) ApplyVote(ctx context.Context, sauceID, userID string, vote domain.Vote) (*VoteResult, error) {
	if !vote.Valid() {
		return nil, invalidf("vote must be 1, 0 or -1, got %d", vote)
	}
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	unlock := s.locks.Lock(sauceID)
	defer unlock()

	for attempt := 1; attempt <= maxVoteAttempts; attempt++ {
		sauce, err := s.sauces.Get(ctx, sauceID)
		if err != nil {
			return nil, storeErr("get sauce", err)
		}

		expected := sauce.Version
		outcome := sauce.ApplyVote(userID, vote)
		if outcome == domain.VoteUnchanged {
			return &VoteResult{Sauce: sauce, Outcome: outcome}, nil
		}

		err = s.sauces.UpdateVotes(ctx, sauce, expected)
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"sauce_id": sauceID,
				"user_id":  userID,
				"vote":     vote.String(),
				"outcome":  outcome,
				"likes":    sauce.Likes(),
				"dislikes": sauce.Dislikes(),
			}).Debug("vote applied")
			return &VoteResult{Sauce: sauce, Outcome: outcome}, nil
		}
		if !errors.Is(err, repository.ErrStaleVersion) {
			return nil, storeErr("store votes", err)
		}
		s.log.WithFields(logrus.Fields{"sauce_id": sauceID, "attempt": attempt}).Debug("sauce changed concurrently, retrying vote")
	}

	return nil, fmt.Errorf("%w: sauce %s kept changing during vote", ErrConflict, sauceID)
}
