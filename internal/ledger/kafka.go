package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicLedgerCommands = "faucet.ledger.mint"

	CommandMint    = "mint"
	CommandReverse = "reverse"
)

// Command is the record the external ledger consumes.
type Command struct {
	SchemaVersion int       `json:"schema_version"`
	CommandID     string    `json:"command_id"`
	Type          string    `json:"type"`
	Identity      string    `json:"identity"`
	Amount        int64     `json:"amount"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Producer is the slice of *kgo.Client the ledger needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaLedger hands mints to an external ledger service as commands keyed by
// identity. A broker acknowledgement counts as a successful mint.
type KafkaLedger struct {
	producer Producer
	topic    string
	logger   *zap.SugaredLogger
}

func NewKafkaLedger(producer Producer, topic string, logger *zap.SugaredLogger) *KafkaLedger {
	if topic == "" {
		topic = TopicLedgerCommands
	}
	return &KafkaLedger{producer: producer, topic: topic, logger: logger}
}

func (l *KafkaLedger) Mint(ctx context.Context, identity string, amount int64) error {
	return l.send(ctx, CommandMint, identity, amount)
}

func (l *KafkaLedger) Reverse(ctx context.Context, identity string, amount int64) error {
	return l.send(ctx, CommandReverse, identity, amount)
}

func (l *KafkaLedger) send(ctx context.Context, kind, identity string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	cmd := Command{
		SchemaVersion: 1,
		CommandID:     uuid.NewString(),
		Type:          kind,
		Identity:      identity,
		Amount:        amount,
		IssuedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode ledger command")
	}

	record := &kgo.Record{
		Topic: l.topic,
		Key:   []byte(identity),
		Value: payload,
	}
	if err := l.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "produce %s command for %s", kind, identity)
	}

	l.logger.Debugw("ledger command produced", "type", kind, "identity", identity, "command_id", cmd.CommandID)
	return nil
}
