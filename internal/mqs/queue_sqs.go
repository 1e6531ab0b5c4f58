package mqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSConfig struct {
	QueueURL  string
	Region    string
	Endpoint  string // non-empty for localstack and friends
	AccessKey string
	SecretKey string
}

// SQSQueue adapts the queue contract to AWS SQS. SQS carries the lease
// natively (visibility timeout); the envelope rides as the message body and
// Attempts maps to ApproximateReceiveCount.
type SQSQueue struct {
	client      *sqs.Client
	queueURL    string
	maxAttempts int
	visibility  time.Duration

	mu       sync.Mutex
	receipts map[string]string // envelope ID -> receipt handle
	closed   bool
}

var _ Queue = (*SQSQueue)(nil)

func NewSQSQueue(ctx context.Context, cfg QueueConfig) (*SQSQueue, error) {
	if cfg.SQS == nil || cfg.SQS.QueueURL == "" {
		return nil, fmt.Errorf("mqs: sqs queue url is not set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.SQS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.SQS.Region))
	}
	if cfg.SQS.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.SQS.AccessKey, cfg.SQS.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("mqs: loading aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SQS.Endpoint)
		}
	})

	vt := cfg.VisibilityTimeout
	if vt <= 0 {
		vt = 30 * time.Second
	}

	return &SQSQueue{
		client:      client,
		queueURL:    cfg.SQS.QueueURL,
		maxAttempts: cfg.MaxAttempts,
		visibility:  vt,
		receipts:    make(map[string]string),
	}, nil
}

func (q *SQSQueue) Send(ctx context.Context, incoming IncomingMessage, opts ...SendOption) (string, error) {
	options := &SendOptions{}
	for _, opt := range opts {
		opt(options)
	}

	msg, err := NewMessage(incoming)
	if err != nil {
		return "", err
	}
	if options.Delay > 0 {
		delayUntil := time.Now().Add(options.Delay)
		msg.DelayUntil = &delayUntil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if options.Delay > 0 {
		// SQS caps per-message delay at 15 minutes.
		delaySeconds := int32(options.Delay / time.Second)
		if delaySeconds > 900 {
			delaySeconds = 900
		}
		input.DelaySeconds = delaySeconds
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return "", fmt.Errorf("mqs: sqs send: %w", err)
	}
	return msg.ID, nil
}

func (q *SQSQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]*Message, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1
	}
	if opts.MaxMessages > 10 {
		opts.MaxMessages = 10 // SQS batch limit
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(opts.MaxMessages),
		WaitTimeSeconds:     int32(opts.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.visibility / time.Second),
		AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
	})
	if err != nil {
		return nil, fmt.Errorf("mqs: sqs receive: %w", err)
	}

	var batch []*Message
	for _, raw := range out.Messages {
		msg := &Message{}
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), msg); err != nil {
			// Unparseable message: drop it rather than poison the queue.
			_, _ = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.queueURL),
				ReceiptHandle: raw.ReceiptHandle,
			})
			continue
		}
		if count, ok := raw.Attributes["ApproximateReceiveCount"]; ok {
			if n, err := strconv.Atoi(count); err == nil {
				msg.Attempts = n
			}
		}
		msg.MaxAttempts = q.maxAttempts

		q.mu.Lock()
		q.receipts[msg.ID] = aws.ToString(raw.ReceiptHandle)
		q.mu.Unlock()

		batch = append(batch, msg)
	}
	return batch, nil
}

func (q *SQSQueue) Delete(ctx context.Context, messageID string) error {
	receipt, err := q.takeReceipt(messageID, true)
	if err != nil {
		return err
	}
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		return fmt.Errorf("mqs: sqs delete: %w", err)
	}
	return nil
}

func (q *SQSQueue) ChangeVisibility(ctx context.Context, messageID string, timeout time.Duration) error {
	receipt, err := q.takeReceipt(messageID, false)
	if err != nil {
		return err
	}
	if _, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(timeout / time.Second),
	}); err != nil {
		return fmt.Errorf("mqs: sqs change visibility: %w", err)
	}
	return nil
}

func (q *SQSQueue) takeReceipt(messageID string, remove bool) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	receipt, ok := q.receipts[messageID]
	if !ok {
		return "", ErrMessageNotFound
	}
	if remove {
		delete(q.receipts, messageID)
	}
	return receipt, nil
}

func (q *SQSQueue) Stats(ctx context.Context) (Stats, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("mqs: sqs stats: %w", err)
	}

	atoi := func(key types.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(key)])
		return n
	}
	return Stats{
		Approximate: atoi(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:    atoi(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:     atoi(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func (q *SQSQueue) Purge(ctx context.Context) error {
	if _, err := q.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{
		QueueUrl: aws.String(q.queueURL),
	}); err != nil {
		return fmt.Errorf("mqs: sqs purge: %w", err)
	}
	return nil
}

func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.receipts = make(map[string]string)
	return nil
}

func (q *SQSQueue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *SQSQueue) Kind() string {
	return KindSQS
}
