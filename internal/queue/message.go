// Package queue carries settlement batches over Kafka between the API
// processes that aggregate usage and the workers that settle it.
package queue

import (
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
)

const (
	HeaderCorrelationID = "correlation_id"
	HeaderContentType   = "content-type"
	HeaderAttempts      = "x-attempts"
	HeaderError         = "x-error"

	contentTypeJSON = "application/json"
)

var ErrMalformedMessage = apperror.New(apperror.KindValidation, "malformed_settlement_message")

// Encode turns a batch into a message keyed by the batch id.
func Encode(batch domain.Batch) (kafka.Message, error) {
	value, err := json.Marshal(batch)
	if err != nil {
		return kafka.Message{}, apperror.Wrap(apperror.KindValidation, ErrMalformedMessage.Code, err)
	}
	msg := kafka.Message{
		Key:   []byte(batch.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderContentType, Value: []byte(contentTypeJSON)},
		},
	}
	if batch.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(batch.CorrelationID)})
	}
	return msg, nil
}

// Decode parses and validates a settlement batch message.
func Decode(msg kafka.Message) (domain.Batch, error) {
	var batch domain.Batch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return domain.Batch{}, apperror.Wrap(apperror.KindValidation, ErrMalformedMessage.Code, err)
	}
	if batch.ID == "" {
		batch.ID = string(msg.Key)
	}
	if batch.CorrelationID == "" {
		batch.CorrelationID = header(msg, HeaderCorrelationID)
	}
	if err := batch.Validate(); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// headerCarrier lets the OTel propagator read and write Kafka headers.
type headerCarrier struct {
	msg *kafka.Message
}

func (c headerCarrier) Get(key string) string { return header(*c.msg, key) }

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
