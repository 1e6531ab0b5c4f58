// Package sqs publishes events to subscriber-owned SQS queues.
package sqs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

type Config struct {
	QueueURL  string `json:"queueUrl" validate:"required,url"`
	Region    string `json:"region" validate:"required"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

type SQS struct {
	mu      sync.Mutex
	clients map[string]*awssqs.Client
}

var _ transport.Provider = (*SQS)(nil)

func New() *SQS {
	return &SQS{clients: make(map[string]*awssqs.Client)}
}

func (s *SQS) Kind() models.TransportKind { return models.TransportKindQueue }

func (s *SQS) Validate(raw string) error {
	var cfg Config
	return transport.DecodeConfig(raw, &cfg)
}

func (s *SQS) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	client, err := s.clientFor(ctx, cfg)
	if err != nil {
		return nil, transport.NewPublishError(err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	_, err = client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Event),
			},
			"deliveryId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.DeliveryID),
			},
		},
	})
	if err != nil {
		return nil, transport.NewPublishError(err)
	}
	return &transport.Result{}, nil
}

func (s *SQS) clientFor(ctx context.Context, cfg Config) (*awssqs.Client, error) {
	key := cfg.Region + "|" + cfg.Endpoint + "|" + cfg.AccessKey

	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[key]; ok {
		return client, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	s.clients[key] = client
	return client, nil
}
