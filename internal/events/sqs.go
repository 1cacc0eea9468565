package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxMessages = 10
	defaultWaitSeconds = 20
	defaultRetryDelay  = time.Second
)

// SQSClient is the subset of the SQS API used by the poller.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPoller long-polls a queue of bucket notifications. A message is
// deleted once its batch was processed or found to carry nothing; failed
// and undecodable messages stay on the queue for redelivery and the queue's
// redrive policy.
type SQSPoller struct {
	client      SQSClient
	queueURL    string
	handler     Handler
	maxMessages int32
	waitSeconds int32
	retryDelay  time.Duration
}

type SQSOption func(*SQSPoller)

// WithMaxMessages sets how many messages one receive may return (1-10).
func WithMaxMessages(n int32) SQSOption {
	return func(p *SQSPoller) {
		if n > 0 && n <= 10 {
			p.maxMessages = n
		}
	}
}

// WithWaitSeconds sets the long-poll wait of each receive (0-20).
func WithWaitSeconds(n int32) SQSOption {
	return func(p *SQSPoller) {
		if n >= 0 && n <= 20 {
			p.waitSeconds = n
		}
	}
}

// WithRetryDelay sets the pause after a failed receive.
func WithRetryDelay(d time.Duration) SQSOption {
	return func(p *SQSPoller) {
		p.retryDelay = d
	}
}

// NewSQSPoller creates a poller for queueURL using the default SQS client.
func NewSQSPoller(cfg aws.Config, queueURL string, handler Handler, opts ...SQSOption) *SQSPoller {
	return NewSQSPollerWithClient(sqs.NewFromConfig(cfg), queueURL, handler, opts...)
}

// NewSQSPollerWithClient creates a poller with a custom client.
func NewSQSPollerWithClient(client SQSClient, queueURL string, handler Handler, opts ...SQSOption) *SQSPoller {
	p := &SQSPoller{
		client:      client,
		queueURL:    queueURL,
		handler:     handler,
		maxMessages: defaultMaxMessages,
		waitSeconds: defaultWaitSeconds,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *SQSPoller) Run(ctx context.Context) error {
	slog.Info("Polling queue", "queue", p.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Receive from queue", "queue", p.queueURL, "err", err)

			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// PollOnce performs a single receive and processes the returned messages
// concurrently. It returns the number of messages deleted from the queue.
func (p *SQSPoller) PollOnce(ctx context.Context) (int, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: p.maxMessages,
		WaitTimeSeconds:     p.waitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	deleted := make([]bool, len(out.Messages))
	var g errgroup.Group
	for i, msg := range out.Messages {
		g.Go(func() error {
			deleted[i] = p.handleMessage(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, d := range deleted {
		if d {
			n++
		}
	}
	return n, nil
}

func (p *SQSPoller) handleMessage(ctx context.Context, msg sqstypes.Message) bool {
	log := slog.With("message_id", aws.ToString(msg.MessageId))

	ev, err := ParseNotification([]byte(aws.ToString(msg.Body)))
	switch {
	case errors.Is(err, ErrIgnored):
		log.Debug("Ignoring notification without objects")
	case err != nil:
		log.Error("Undecodable queue message", "err", err)
		return false
	default:
		if _, err := p.handler.HandleEvent(ctx, ev); err != nil {
			log.Error("Batch failed, leaving message for redelivery", "err", err)
			return false
		}
	}

	_, err = p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Warn("Delete queue message", "err", err)
		return false
	}
	return true
}
