package store

import "time"

// Listing statuses. Transitions only move forward: pending → voting →
// approved/active; the administrative pause applies from any state.
const (
	StatusPending  = "pending"
	StatusVoting   = "voting"
	StatusApproved = "approved"
	StatusActive   = "active"
	StatusPaused   = "paused"
)

type Listing struct {
	ID              string
	Slug            string
	Name            string
	Category        string
	Stage           string
	LookingForCount int
	Status          string
	AccessTokenHash string
	FounderEmail    string
	LogoKey         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BoardListing is a listing row joined with its authoritative vote count,
// as served on the public voting board.
type BoardListing struct {
	Listing
	VoteCount int
}

type EarlyAdopter struct {
	Email     string
	Interests []string
	Verified  bool
	CreatedAt time.Time
}
