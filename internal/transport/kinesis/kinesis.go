// Package kinesis publishes events to subscriber Kinesis streams.
package kinesis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/transport"
)

type Config struct {
	StreamName string `json:"streamName" validate:"required"`
	Region     string `json:"region" validate:"required"`
	// PartitionKey defaults to the delivery id, which spreads records
	// evenly while keeping redeliveries of one event on one shard.
	PartitionKey string `json:"partitionKey,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
}

type Kinesis struct {
	mu      sync.Mutex
	clients map[string]*awskinesis.Client
}

var _ transport.Provider = (*Kinesis)(nil)

func New() *Kinesis {
	return &Kinesis{clients: make(map[string]*awskinesis.Client)}
}

func (k *Kinesis) Kind() models.TransportKind { return models.TransportKindEventBus }

func (k *Kinesis) Validate(raw string) error {
	var cfg Config
	return transport.DecodeConfig(raw, &cfg)
}

func (k *Kinesis) Deliver(ctx context.Context, raw string, env *transport.Envelope) (*transport.Result, error) {
	var cfg Config
	if err := transport.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	client, err := k.clientFor(ctx, cfg)
	if err != nil {
		return nil, transport.NewPublishError(err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	partitionKey := cfg.PartitionKey
	if partitionKey == "" {
		partitionKey = env.DeliveryID
	}

	_, err = client.PutRecord(ctx, &awskinesis.PutRecordInput{
		StreamName:   aws.String(cfg.StreamName),
		PartitionKey: aws.String(partitionKey),
		Data:         body,
	})
	if err != nil {
		return nil, transport.NewPublishError(err)
	}
	return &transport.Result{}, nil
}

func (k *Kinesis) clientFor(ctx context.Context, cfg Config) (*awskinesis.Client, error) {
	key := cfg.Region + "|" + cfg.Endpoint + "|" + cfg.AccessKey

	k.mu.Lock()
	defer k.mu.Unlock()
	if client, ok := k.clients[key]; ok {
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

	client := awskinesis.NewFromConfig(awsCfg, func(o *awskinesis.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	k.clients[key] = client
	return client, nil
}
