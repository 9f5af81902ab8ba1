package kafka

import (
	"context"
	"encoding/json"

	"github.com/azizikri/token-faucet/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Consumer serves faucet requests arriving on the request topics and answers
// on each request's reply topic. Request topics are internal: the identity and
// caller fields are trusted as sent, so only authenticated services (the HTTP
// gateway) may hold produce ACLs on them.
type Consumer struct {
	client *kgo.Client
	faucet usecase.FaucetGateway
	logger *zap.SugaredLogger
	ready  chan struct{}
}

func NewConsumer(client *kgo.Client, faucet usecase.FaucetGateway, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		client: client,
		faucet: faucet,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	close(c.ready)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			c.logger.Warnw("consumer poll errors", "errors", errs)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			c.processRecord(ctx, iter.Next())
		}

		if err := c.client.CommitRecords(ctx, fetches.Records()...); err != nil {
			c.logger.Errorw("failed to commit records", "error", err)
		}
	}
}

func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	var req RequestPayload
	if err := json.Unmarshal(record.Value, &req); err != nil {
		c.sendToDLQ(ctx, record, "invalid request payload")
		return
	}

	resp, ok := c.dispatch(ctx, record.Topic, req)
	if !ok {
		c.sendToDLQ(ctx, record, resp.ErrorMessage)
	}
	if req.ReplyTo != "" {
		c.sendResponse(ctx, req.ReplyTo, resp)
	}
}

// dispatch runs req against the faucet. ok is false when the request itself
// is malformed and belongs in the DLQ.
func (c *Consumer) dispatch(ctx context.Context, topic string, req RequestPayload) (resp *ResponsePayload, ok bool) {
	switch topic {
	case TopicClaimRequest:
		record, err := c.faucet.RequestTokens(ctx, req.Identity)
		if err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		resp = successResponse(req.CorrelationID)
		resp.Record = &record
		return resp, true

	case TopicPauseRequest:
		if err := c.faucet.SetPaused(ctx, req.Caller, req.Paused); err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		return successResponse(req.CorrelationID), true

	case TopicQueryRequest:
		return c.query(ctx, req)
	}

	return invalidResponse(req.CorrelationID, "unknown topic "+topic), false
}

func (c *Consumer) query(ctx context.Context, req RequestPayload) (*ResponsePayload, bool) {
	resp := successResponse(req.CorrelationID)
	switch req.Op {
	case OpCanClaim:
		canClaim, err := c.faucet.CanClaim(ctx, req.Identity)
		if err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		resp.CanClaim = &canClaim

	case OpRemainingAllowance:
		remaining, err := c.faucet.RemainingAllowance(ctx, req.Identity)
		if err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		resp.Remaining = &remaining

	case OpClaimRecord:
		record, err := c.faucet.ClaimRecord(ctx, req.Identity)
		if err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		resp.Record = &record

	case OpStatus:
		status, err := c.faucet.Status(ctx)
		if err != nil {
			return errorResponse(req.CorrelationID, err), true
		}
		resp.FaucetStatus = &status

	default:
		return invalidResponse(req.CorrelationID, "unknown query op "+req.Op), false
	}
	return resp, true
}

func (c *Consumer) sendResponse(ctx context.Context, topic string, resp *ResponsePayload) {
	payload, _ := json.Marshal(resp)
	record := &kgo.Record{
		Topic: topic,
		Value: payload,
	}
	if err := c.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		c.logger.Errorw("failed to send response", "topic", topic, "error", err)
	}
}

func (c *Consumer) sendToDLQ(ctx context.Context, record *kgo.Record, message string) {
	dlqRecord := &kgo.Record{
		Topic: record.Topic + TopicDLQSuffix,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: ErrorHeaderKey, Value: []byte(message)},
		},
	}
	if err := c.client.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
		c.logger.Errorw("failed to dead-letter record", "topic", dlqRecord.Topic, "error", err)
	}
}

func successResponse(correlationID string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: 1,
		CorrelationID: correlationID,
		Status:        StatusSuccess,
	}
}

func errorResponse(correlationID string, err error) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: 1,
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorCode:     errorCode(err),
		ErrorMessage:  err.Error(),
	}
}

func invalidResponse(correlationID, message string) *ResponsePayload {
	return &ResponsePayload{
		SchemaVersion: 1,
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorCode:     ErrCodeInvalidRequest,
		ErrorMessage:  message,
	}
}
