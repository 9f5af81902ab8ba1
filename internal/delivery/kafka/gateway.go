package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/azizikri/token-faucet/internal/usecase"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var ErrReplyTimeout = errors.Mark(errors.New("timeout waiting for response"), context.DeadlineExceeded)

// Gateway forwards faucet calls over Kafka and waits for the consumer's reply.
type Gateway struct {
	client      *kgo.Client
	replyTo     string
	logger      *zap.SugaredLogger
	pendingResp sync.Map
}

func NewGateway(client *kgo.Client, instanceID string, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		client:  client,
		replyTo: ReplyTopic(instanceID),
		logger:  logger,
	}
}

func (g *Gateway) newRequest() RequestPayload {
	return RequestPayload{
		SchemaVersion: 1,
		CorrelationID: uuid.New().String(),
		ReplyTo:       g.replyTo,
	}
}

func (g *Gateway) RequestTokens(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	req := g.newRequest()
	req.Identity = identity

	// Keyed by identity so one identity's claims stay on one partition.
	resp, err := g.call(ctx, TopicClaimRequest, []byte(identity), req)
	if err != nil {
		return domain.ClaimRecord{}, err
	}
	if resp.Record == nil {
		return domain.ClaimRecord{}, errors.New("claim reply without record")
	}
	return *resp.Record, nil
}

func (g *Gateway) SetPaused(ctx context.Context, caller string, paused bool) error {
	req := g.newRequest()
	req.Caller = caller
	req.Paused = paused

	_, err := g.call(ctx, TopicPauseRequest, []byte(caller), req)
	return err
}

func (g *Gateway) CanClaim(ctx context.Context, identity string) (bool, error) {
	resp, err := g.query(ctx, OpCanClaim, identity)
	if err != nil {
		return false, err
	}
	return resp.CanClaim != nil && *resp.CanClaim, nil
}

func (g *Gateway) RemainingAllowance(ctx context.Context, identity string) (int64, error) {
	resp, err := g.query(ctx, OpRemainingAllowance, identity)
	if err != nil {
		return 0, err
	}
	if resp.Remaining == nil {
		return 0, errors.New("allowance reply without amount")
	}
	return *resp.Remaining, nil
}

func (g *Gateway) ClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	resp, err := g.query(ctx, OpClaimRecord, identity)
	if err != nil {
		return domain.ClaimRecord{}, err
	}
	if resp.Record == nil {
		return domain.ClaimRecord{}, errors.New("record reply without record")
	}
	return *resp.Record, nil
}

func (g *Gateway) Status(ctx context.Context) (domain.Status, error) {
	resp, err := g.query(ctx, OpStatus, "")
	if err != nil {
		return domain.Status{}, err
	}
	if resp.FaucetStatus == nil {
		return domain.Status{}, errors.New("status reply without status")
	}
	return *resp.FaucetStatus, nil
}

func (g *Gateway) query(ctx context.Context, op, identity string) (*ResponsePayload, error) {
	req := g.newRequest()
	req.Op = op
	req.Identity = identity
	return g.call(ctx, TopicQueryRequest, []byte(identity), req)
}

// call performs one request/reply round trip and converts error replies back
// into domain errors.
func (g *Gateway) call(ctx context.Context, topic string, key []byte, req RequestPayload) (*ResponsePayload, error) {
	resp, err := g.requestReply(ctx, topic, key, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == StatusError {
		return nil, errorFromCode(resp.ErrorCode, resp.ErrorMessage)
	}
	return resp, nil
}

func (g *Gateway) requestReply(ctx context.Context, topic string, key []byte, req RequestPayload) (*ResponsePayload, error) {
	respChan := make(chan *ResponsePayload, 1)
	g.pendingResp.Store(req.CorrelationID, respChan)
	defer g.pendingResp.Delete(req.CorrelationID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: payload,
	}

	if err := g.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return nil, errors.Wrapf(err, "produce to %s", topic)
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrReplyTimeout
	}
}

// HandleResponse routes a reply record to the caller waiting on its
// correlation id.
func (g *Gateway) HandleResponse(payload []byte) {
	var resp ResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		g.logger.Warnw("failed to decode response payload", "error", err)
		return
	}

	if ch, ok := g.pendingResp.Load(resp.CorrelationID); ok {
		select {
		case ch.(chan *ResponsePayload) <- &resp:
		default:
		}
		return
	}

	g.logger.Debugw("no pending response", "correlation_id", resp.CorrelationID)
}

// StartReplyPoller feeds every record of client into HandleResponse until the
// client closes.
func (g *Gateway) StartReplyPoller(ctx context.Context, client *kgo.Client) {
	go func() {
		for {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			iter := fetches.RecordIter()
			for !iter.Done() {
				g.HandleResponse(iter.Next().Value)
			}
		}
	}()
}

var _ usecase.FaucetGateway = (*Gateway)(nil)
