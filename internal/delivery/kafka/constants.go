package kafka

import "time"

const (
	TopicClaimRequest  = "faucet.claim.req"
	TopicPauseRequest  = "faucet.pause.req"
	TopicQueryRequest  = "faucet.query.req"
	TopicReplyPrefix   = "faucet.reply."
	TopicRequestSuffix = ".req"
	TopicDLQSuffix     = ".dlq"

	RequestTimeout = 3 * time.Second

	ErrorHeaderKey = "x-error"
)

const (
	OpCanClaim           = "can_claim"
	OpRemainingAllowance = "remaining_allowance"
	OpClaimRecord        = "claim_record"
	OpStatus             = "status"
)

func RequestTopics() []string {
	return []string{TopicClaimRequest, TopicPauseRequest, TopicQueryRequest}
}

func ReplyTopic(instanceID string) string {
	return TopicReplyPrefix + instanceID
}
