package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Source interface {
	Events() <-chan indexing.Action
	Done() <-chan struct{}
}

// ActionEvent is the payload published for every action status change.
type ActionEvent struct {
	TsMs   int64           `json:"ts_ms"`
	Action indexing.Action `json:"action"`
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// Publisher writes action events to kafka. Events that could not be written
// are kept and retried on every retry tick.
type Publisher struct {
	source       Source
	writer       MessageWriter
	retryTimeout time.Duration
	unsentGuard  *sync.Mutex
	unsent       []kafka.Message
}

func NewPublisher(source Source, writer MessageWriter, retryTimeout time.Duration) *Publisher {
	return &Publisher{
		source:       source,
		writer:       writer,
		retryTimeout: retryTimeout,
		unsentGuard:  &sync.Mutex{},
		unsent:       make([]kafka.Message, 0),
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.retryTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.source.Done():
			p.drain(ctx)
			return
		case <-ticker.C:
			p.sendUnsent(ctx)
		case action := <-p.source.Events():
			p.publish(ctx, action)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, action indexing.Action) {
	msg, err := encode(action)
	if err != nil {
		log.Error().Err(err).Msgf("failed to encode event of action %d, drop it", action.ID)
		return
	}
	err = retry.Do(
		func() error {
			return p.writer.WriteMessages(ctx, msg)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error().Err(err).Msgf("failed to publish event of action %d, put it into unsent queue", action.ID)
		p.unsentGuard.Lock()
		p.unsent = append(p.unsent, msg)
		p.unsentGuard.Unlock()
	}
}

func (p *Publisher) sendUnsent(ctx context.Context) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	if len(p.unsent) == 0 {
		return
	}
	err := p.writer.WriteMessages(ctx, p.unsent...)
	if err == nil {
		p.unsent = p.unsent[:0]
		return
	}
	var writeErrs kafka.WriteErrors
	if !errors.As(err, &writeErrs) || len(writeErrs) != len(p.unsent) {
		log.Warn().Err(err).Msgf("failed to publish %d unsent events", len(p.unsent))
		return
	}
	left := make([]kafka.Message, 0, writeErrs.Count())
	for i, msg := range p.unsent {
		if writeErrs[i] != nil {
			left = append(left, msg)
		}
	}
	log.Warn().Err(err).Msgf("published %d of %d unsent events", len(p.unsent)-len(left), len(p.unsent))
	p.unsent = left
}

// drain publishes what is left in the buffer once the notifier is closed.
func (p *Publisher) drain(ctx context.Context) {
	for {
		select {
		case action := <-p.source.Events():
			p.publish(ctx, action)
		default:
			p.sendUnsent(ctx)
			return
		}
	}
}

func (p *Publisher) Unsent() int {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()
	return len(p.unsent)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encode(action indexing.Action) (kafka.Message, error) {
	value, err := json.Marshal(ActionEvent{
		TsMs:   action.UpdatedAt.UnixMilli(),
		Action: action,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal action event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(action.ID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(action.Status)},
			{Key: "type", Value: []byte(action.Type)},
		},
	}, nil
}
