// Package deadletter forwards terminally-dead queue entries to an
// external SQS dead-letter queue for operator inspection, adapted from
// the teacher's queue.SQSClient (originally the primary SQS transport;
// here it plays a secondary role behind the DB-backed queue manager).
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/noetl/noetl/internal/queuemgr"
)

// Config holds the forwarder's SQS wiring.
type Config struct {
	QueueURL        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // for LocalStack or custom endpoints
}

// Forwarder sends dead queue entries to an external SQS queue.
type Forwarder struct {
	client   *sqs.Client
	queueURL string
	logger   *slog.Logger
}

// NewForwarder constructs a Forwarder. Returns (nil, nil) if cfg.QueueURL
// is empty — forwarding is optional; a disabled forwarder is not an error.
func NewForwarder(ctx context.Context, cfg Config, logger *slog.Logger) (*Forwarder, error) {
	if cfg.QueueURL == "" {
		return nil, nil
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to load AWS config: %w", err)
	}

	var clientOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := sqs.NewFromConfig(awsCfg, clientOpts...)
	logger.Info("dead-letter forwarder initialized", "queue_url", cfg.QueueURL)

	return &Forwarder{client: client, queueURL: cfg.QueueURL, logger: logger}, nil
}

// deadEntryPayload is the JSON body forwarded for operator inspection.
type deadEntryPayload struct {
	QueueID     int64  `json:"queue_id"`
	ExecutionID int64  `json:"execution_id"`
	NodeName    string `json:"node_name"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

// Forward sends a dead queue entry to the configured DLQ. A nil
// Forwarder (forwarding disabled) is a no-op.
func (f *Forwarder) Forward(ctx context.Context, entry *queuemgr.Entry) error {
	if f == nil {
		return nil
	}

	body, err := json.Marshal(deadEntryPayload{
		QueueID:     entry.QueueID,
		ExecutionID: entry.ExecutionID,
		NodeName:    entry.NodeName,
		Attempts:    entry.Attempts,
		MaxAttempts: entry.MaxAttempts,
	})
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if _, err := f.client.SendMessage(ctx, input); err != nil {
		f.logger.Error("failed to forward dead queue entry", "queue_id", entry.QueueID, "error", err)
		return err
	}
	return nil
}
