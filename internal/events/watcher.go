package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Trigger interface {
	Trigger(reason string)
}

type ruleDto struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type"`
}

// Value is the change data capture envelope of a row change.
type Value[T any] struct {
	Before *T     `json:"before"`
	After  *T     `json:"after"`
	Op     string `json:"op"`
	TsMs   int64  `json:"ts_ms"`
}

// RuleWatcher consumes indexing rule changes and asks for a decision run on each.
type RuleWatcher struct {
	msgReader MessageReader
	trigger   Trigger
}

func NewReader(groupID string, brokers []string, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxBytes:    10 * 1024 * 1024,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})
}

func NewRuleWatcher(reader MessageReader, trigger Trigger) *RuleWatcher {
	return &RuleWatcher{
		msgReader: reader,
		trigger:   trigger,
	}
}

func (w *RuleWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch rule change message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		w.handle(msg)

		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to commit message: it will doubled")
		}
	}
}

func (w *RuleWatcher) handle(msg kafka.Message) {
	change := Value[ruleDto]{}
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		log.Error().Err(err).Msg("failed to decode rule change from json")
		return
	}
	rule := change.After
	if rule == nil {
		rule = change.Before
	}
	switch change.Op {
	case "c", "u", "d", "r":
	default:
		log.Warn().Msgf("unknown rule change op %q, skip", change.Op)
		return
	}
	identifier := "unknown"
	if rule != nil {
		identifier = rule.IdentifierType + "/" + rule.Identifier
	}
	log.Info().Msgf("parsed rule change: op=%s on %s", change.Op, identifier)
	w.trigger.Trigger("rule " + identifier + " changed")
}

func (w *RuleWatcher) Close() error {
	return w.msgReader.Close()
}
