package domain

import (
	"sort"
	"time"
)

// Vote is a user's stance on a sauce.
type Vote int

const (
	VoteDislike Vote = -1
	VoteNeutral Vote = 0
	VoteLike    Vote = 1
)

// Valid reports whether v is one of the three accepted directions.
func (v Vote) Valid() bool {
	return v == VoteDislike || v == VoteNeutral || v == VoteLike
}

func (v Vote) String() string {
	switch v {
	case VoteLike:
		return "like"
	case VoteDislike:
		return "dislike"
	case VoteNeutral:
		return "neutral"
	default:
		return "invalid"
	}
}

// VoteOutcome describes what a vote did to the voter's state.
type VoteOutcome string

const (
	VoteRecorded  VoteOutcome = "recorded"
	VoteSwitched  VoteOutcome = "switched"
	VoteRetracted VoteOutcome = "retracted"
	VoteUnchanged VoteOutcome = "unchanged"
)

// Sauce is a user submitted item that accumulates likes and dislikes.
//
// Votes maps a user id to that user's current non-neutral vote. Counters and
// membership lists are derived from it and never stored on their own.
type Sauce struct {
	ID           string
	UserID       string
	Name         string
	Manufacturer string
	Description  string
	MainPepper   string
	Heat         int
	ImageURL     string
	ImageKey     string
	Votes        map[string]Vote
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VoteOf returns the current vote of userID, VoteNeutral when none.
func (s *Sauce) VoteOf(userID string) Vote {
	return s.Votes[userID]
}

func (s *Sauce) Likes() int    { return len(s.UsersLiked()) }
func (s *Sauce) Dislikes() int { return len(s.UsersDisliked()) }

// UsersLiked returns the sorted ids of users currently liking the sauce.
func (s *Sauce) UsersLiked() []string { return s.votersWith(VoteLike) }

// UsersDisliked returns the sorted ids of users currently disliking the sauce.
func (s *Sauce) UsersDisliked() []string { return s.votersWith(VoteDislike) }

func (s *Sauce) votersWith(v Vote) []string {
	users := make([]string, 0, len(s.Votes))
	for user, vote := range s.Votes {
		if vote == v {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// ApplyVote moves userID to the requested direction and reports the outcome.
// Any current state combined with any direction yields the requested end state;
// a direction equal to the current one leaves the sauce untouched.
func (s *Sauce) ApplyVote(userID string, requested Vote) VoteOutcome {
	current := s.VoteOf(userID)
	if current == requested {
		return VoteUnchanged
	}

	if requested == VoteNeutral {
		delete(s.Votes, userID)
		return VoteRetracted
	}

	if s.Votes == nil {
		s.Votes = make(map[string]Vote)
	}
	s.Votes[userID] = requested
	if current == VoteNeutral {
		return VoteRecorded
	}
	return VoteSwitched
}
