package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// OutputEvent is the serialized form destined for the sink topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// VoteEvent is the JSON payload of a vote submitted on the source topic.
type VoteEvent struct {
	ClimbID     string     `json:"climb_id"`
	UserID      string     `json:"user_id"`
	Grade       string     `json:"grade"`
	HeightCM    *int       `json:"height_cm,omitempty"`
	Descriptors []string   `json:"descriptors,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// ConsensusEvent is published whenever a climb's consensus is recomputed.
type ConsensusEvent struct {
	ClimbID       string         `json:"climb_id"`
	GradingSystem GradingSystem  `json:"grading_system"`
	Consensus     Consensus      `json:"consensus"`
	Statistics    VoteStatistics `json:"statistics"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// EventTypeConsensus is the event_type header value of ConsensusEvent messages.
const EventTypeConsensus = "climb.consensus"

var ErrMissingField = errors.New("missing required field")

// ParseVoteEvent decodes a RawEvent into a Vote. Grade validation needs the
// climb's grading system and happens after lookup. The message timestamp is
// used when the payload carries no submitted_at.
func ParseVoteEvent(raw RawEvent) (Vote, error) {
	var ev VoteEvent
	if err := json.Unmarshal(raw.Value, &ev); err != nil {
		return Vote{}, fmt.Errorf("parse vote event: %w", err)
	}
	switch {
	case ev.ClimbID == "":
		return Vote{}, fmt.Errorf("parse vote event: %w: climb_id", ErrMissingField)
	case ev.UserID == "":
		return Vote{}, fmt.Errorf("parse vote event: %w: user_id", ErrMissingField)
	case ev.Grade == "":
		return Vote{}, fmt.Errorf("parse vote event: %w: grade", ErrMissingField)
	}
	if ev.HeightCM != nil && *ev.HeightCM <= 0 {
		return Vote{}, fmt.Errorf("parse vote event: height_cm must be positive, got %d", *ev.HeightCM)
	}

	at := raw.Timestamp
	if ev.SubmittedAt != nil {
		at = *ev.SubmittedAt
	}
	if at.IsZero() {
		at = Now()
	}

	return Vote{
		ClimbID:     ev.ClimbID,
		UserID:      ev.UserID,
		Grade:       ev.Grade,
		HeightCM:    ev.HeightCM,
		Descriptors: NormalizeDescriptors(ev.Descriptors),
		CreatedAt:   at.UTC(),
		UpdatedAt:   at.UTC(),
	}, nil
}

// NewConsensusEvent recomputes consensus and statistics for a climb's votes.
func NewConsensusEvent(climb Climb, votes []Vote) ConsensusEvent {
	return ConsensusEvent{
		ClimbID:       climb.ID,
		GradingSystem: climb.GradingSystem,
		Consensus:     AggregateVotes(votes, climb.GradingSystem),
		Statistics:    ComputeStatistics(votes, climb.GradingSystem),
		ComputedAt:    Now(),
	}
}

// SerializeConsensusEvent marshals a ConsensusEvent keyed by climb ID.
func SerializeConsensusEvent(ev ConsensusEvent) (OutputEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize consensus event: %w", err)
	}
	return OutputEvent{
		Key:   []byte(ev.ClimbID),
		Value: data,
		Headers: map[string]string{
			"event_type":  EventTypeConsensus,
			"computed_at": ev.ComputedAt.Format(time.RFC3339),
		},
	}, nil
}
