package kafka

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// Send implements queue.Provider. The session key rides as the record
// key, so the hash partitioner pins every key to one partition and the
// log serializes it there.
func (p *Provider) Send(ctx context.Context, queueName string, msg contracts.Message) (string, error) {
	const op = "send"
	if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
		return "", err
	}
	if p.isClosed() {
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}
	if err := p.ensureTopic(queueName); err != nil {
		return "", classify(op, queueName, msg.SessionKey(), err)
	}

	partition, offset, err := p.producer.SendMessage(toProducerMessage(queueName, msg))
	if err != nil {
		return "", classify(op, queueName, msg.SessionKey(), err)
	}

	id := messageID(queueName, partition, offset)
	p.logger.Debug("message published",
		"topic", queueName,
		"messageId", id,
		"sessionKey", string(msg.SessionKey()),
	)
	return id, nil
}

// SendBatch implements queue.Provider. The whole batch goes out in one
// produce request; per-message failures come back as ProducerErrors and
// land on their own entries.
func (p *Provider) SendBatch(ctx context.Context, queueName string, msgs []contracts.Message) ([]queue.BatchResult, error) {
	const op = "send batch"
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > maxBatchSize {
		return nil, contracts.NewQueueError(contracts.KindValidationFailed, op, queueName,
			errors.New("batch exceeds provider limit"))
	}
	if p.isClosed() {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}
	if err := p.ensureTopic(queueName); err != nil {
		return nil, classify(op, queueName, "", err)
	}

	results := make([]queue.BatchResult, len(msgs))
	index := make(map[*sarama.ProducerMessage]int, len(msgs))
	var batch []*sarama.ProducerMessage
	for i, msg := range msgs {
		results[i].Index = i
		if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
			results[i].Err = err
			continue
		}
		pm := toProducerMessage(queueName, msg)
		index[pm] = i
		batch = append(batch, pm)
	}
	if len(batch) == 0 {
		return results, nil
	}

	if err := p.producer.SendMessages(batch); err != nil {
		var perrs sarama.ProducerErrors
		if !errors.As(err, &perrs) {
			return nil, classify(op, queueName, "", err)
		}
		for _, pe := range perrs {
			if i, ok := index[pe.Msg]; ok {
				results[i].Err = classify(op, queueName, msgs[i].SessionKey(), pe.Err)
			}
		}
	}

	for pm, i := range index {
		if results[i].Err == nil {
			results[i].MessageID = messageID(queueName, pm.Partition, pm.Offset)
		}
	}
	return results, nil
}

// toProducerMessage maps a message onto the wire shape. Attributes and
// the fields Kafka has no slot for become record headers.
func toProducerMessage(topic string, msg contracts.Message) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, 0, len(msg.Attributes())+2)
	for k, v := range msg.Attributes() {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	if cid := msg.CorrelationID(); cid != "" {
		headers = append(headers, sarama.RecordHeader{
			Key: []byte(headerCorrelationID), Value: []byte(cid),
		})
	}
	if ttl := msg.TTL(); ttl > 0 {
		headers = append(headers, sarama.RecordHeader{
			Key: []byte(headerTTL), Value: []byte(strconv.FormatInt(ttl.Milliseconds(), 10)),
		})
	}

	pm := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(msg.Body()),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	if key := msg.SessionKey(); !key.IsZero() {
		pm.Key = sarama.StringEncoder(string(key))
	}
	return pm
}
