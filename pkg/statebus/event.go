// Package statebus carries membership changes between gateway replicas so
// every replica drops its cached access contexts, not only the one that
// handled the write.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const KindMembershipChanged = "membership_changed"

type Event struct {
	Kind         string    `json:"kind"`
	OrgID        string    `json:"orgId,omitempty"`
	MembershipID string    `json:"membershipId,omitempty"`
	Status       string    `json:"status,omitempty"`
	Origin       string    `json:"origin"`
	At           time.Time `json:"at"`
}

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

var errNoKind = errors.New("event kind required")

func Encode(ev Event) (Message, error) {
	if ev.Kind == "" {
		return Message{}, errNoKind
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return Message{Key: []byte(ev.OrgID), Value: value}, nil
}

func Decode(msg Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, errNoKind
	}
	return ev, nil
}
