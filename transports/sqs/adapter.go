// Package sqs implements the queue adapter on Amazon SQS. Acknowledgement is
// DeleteMessage; an unacknowledged message becomes visible again once its
// visibility timeout expires.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mmate-dispatch/contracts"
)

const (
	// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
	DeadLetterSuffix = "-dlq"

	// MaxWaitTimeSeconds is the longest long poll SQS allows
	MaxWaitTimeSeconds = 20
	// MaxDelaySeconds is the longest per-message delay SQS allows
	MaxDelaySeconds = 900

	DefaultVisibilityTimeout = 120

	messageTypeAttribute = "MessageType"
)

// SQSAPI is the subset of the SQS client the adapter uses
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

type receipt struct {
	queue   string
	handle  string
	settled atomic.Bool
}

// Adapter is an SQS backed queue adapter
type Adapter struct {
	client            SQSAPI
	prefix            string
	createQueues      bool
	visibilityTimeout int32
	logger            *slog.Logger

	mu   sync.RWMutex
	urls map[string]string
}

type settings struct {
	region       string
	endpoint     string
	accessKey    string
	secretKey    string
	prefix       string
	createQueues bool
	visibility   int32
	logger       *slog.Logger
}

// Option configures the Adapter
type Option func(*settings)

// WithEndpoint points the client at a custom endpoint such as LocalStack
func WithEndpoint(endpoint string) Option {
	return func(s *settings) {
		s.endpoint = endpoint
	}
}

// WithStaticCredentials replaces the default credential chain
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(s *settings) {
		s.accessKey = accessKey
		s.secretKey = secretKey
	}
}

// WithQueuePrefix prefixes every SQS queue name
func WithQueuePrefix(prefix string) Option {
	return func(s *settings) {
		s.prefix = prefix
	}
}

// WithCreateQueues creates missing queues on first use
func WithCreateQueues(create bool) Option {
	return func(s *settings) {
		s.createQueues = create
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden
func WithVisibilityTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.visibility = int32(timeout / time.Second)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// New loads the AWS configuration for region and creates an adapter
func New(ctx context.Context, region string, options ...Option) (*Adapter, error) {
	s := defaultSettings()
	s.region = region
	for _, opt := range options {
		opt(&s)
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(s.region)}
	if s.accessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})

	return newAdapter(client, s), nil
}

// NewWithClient creates an adapter on an existing client
func NewWithClient(client SQSAPI, options ...Option) *Adapter {
	s := defaultSettings()
	for _, opt := range options {
		opt(&s)
	}
	return newAdapter(client, s)
}

func defaultSettings() settings {
	return settings{
		visibility: DefaultVisibilityTimeout,
		logger:     slog.Default(),
	}
}

func newAdapter(client SQSAPI, s settings) *Adapter {
	return &Adapter{
		client:            client,
		prefix:            s.prefix,
		createQueues:      s.createQueues,
		visibilityTimeout: s.visibility,
		logger:            s.logger,
		urls:              make(map[string]string),
	}
}

// Enqueue implements messaging.QueueAdapter
func (a *Adapter) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	return a.send(ctx, queue, env, 0)
}

// EnqueueAfter implements messaging.DelayedEnqueuer with DelaySeconds,
// capped at fifteen minutes
func (a *Adapter) EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	return a.send(ctx, queue, env, delaySeconds(delay))
}

// Dequeue implements messaging.QueueAdapter. The timeout becomes a long
// poll of whole seconds, capped at twenty.
func (a *Adapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error) {
	url, err := a.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	out, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       waitSeconds(timeout),
		VisibilityTimeout:     a.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to receive SQS message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	body := aws.ToString(msg.Body)
	env, err := contracts.DecodeEnvelope([]byte(body))
	if err != nil {
		a.logger.Error("undecodable message dead-lettered",
			"queue", queue,
			"sqsMessageId", aws.ToString(msg.MessageId),
			"error", err)
		return nil, a.deadLetterRaw(ctx, queue, url, body, aws.ToString(msg.ReceiptHandle))
	}

	env.Receipt = &receipt{queue: queue, handle: aws.ToString(msg.ReceiptHandle)}
	return env, nil
}

// Acknowledge implements messaging.QueueAdapter
func (a *Adapter) Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error {
	r, err := claim(env)
	if err != nil {
		return err
	}
	if err := a.delete(ctx, r.queue, r.handle); err != nil {
		r.settled.Store(false)
		return err
	}
	return nil
}

// MoveToDeadLetter implements messaging.QueueAdapter. The copy is sent
// before the original is deleted.
func (a *Adapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	r, err := claim(env)
	if err != nil {
		return err
	}

	dead := env.Clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[contracts.HeaderOriginalQueue] = r.queue
	dead.Headers[contracts.HeaderDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := a.send(ctx, a.DeadLetterQueue(r.queue), dead, 0); err != nil {
		r.settled.Store(false)
		return err
	}
	if err := a.delete(ctx, r.queue, r.handle); err != nil {
		r.settled.Store(false)
		return err
	}

	a.logger.Debug("message dead-lettered", "messageId", env.ID, "queue", r.queue)
	return nil
}

// DeadLetterQueue implements messaging.DeadLetterSource
func (a *Adapter) DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// Depth implements messaging.QueueInspector with SQS's approximate count of
// visible messages
func (a *Adapter) Depth(ctx context.Context, queue string) (int, error) {
	url, err := a.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}

	out, err := a.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}

	var n int
	_, err = fmt.Sscanf(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], "%d", &n)
	return n, err
}

// QueueName maps a queue to its SQS name. SQS only allows letters, digits,
// hyphens and underscores.
func (a *Adapter) QueueName(queue string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, a.prefix+queue)
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

func (a *Adapter) send(ctx context.Context, queue string, env *contracts.Envelope, delay int32) error {
	url, err := a.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	_, err = a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delay,
		MessageAttributes: map[string]types.MessageAttributeValue{
			messageTypeAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Type),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

func (a *Adapter) delete(ctx context.Context, queue, handle string) error {
	url, err := a.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

func (a *Adapter) deadLetterRaw(ctx context.Context, queue, url, body, handle string) error {
	dlqURL, err := a.queueURL(ctx, a.DeadLetterQueue(queue))
	if err != nil {
		return err
	}
	if _, err := a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(dlqURL),
		MessageBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	_, err = a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	return err
}

// queueURL resolves and caches the URL of queue, creating it when allowed
func (a *Adapter) queueURL(ctx context.Context, queue string) (string, error) {
	a.mu.RLock()
	url, ok := a.urls[queue]
	a.mu.RUnlock()
	if ok {
		return url, nil
	}

	name := a.QueueName(queue)
	out, err := a.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		url = aws.ToString(out.QueueUrl)
	} else {
		var missing *types.QueueDoesNotExist
		if !errors.As(err, &missing) || !a.createQueues {
			return "", fmt.Errorf("failed to resolve SQS queue %s: %w", name, err)
		}

		created, err := a.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
		if err != nil {
			return "", fmt.Errorf("failed to create SQS queue %s: %w", name, err)
		}
		url = aws.ToString(created.QueueUrl)
		a.logger.Info("created SQS queue", "queue", name, "url", url)
	}

	a.mu.Lock()
	a.urls[queue] = url
	a.mu.Unlock()
	return url, nil
}

func claim(env *contracts.Envelope) (*receipt, error) {
	r, ok := env.Receipt.(*receipt)
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: envelope %s", contracts.ErrUnknownReceipt, env.ID)
	}
	if !r.settled.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: envelope %s already settled", contracts.ErrUnknownReceipt, env.ID)
	}
	return r, nil
}

func waitSeconds(timeout time.Duration) int32 {
	if timeout <= 0 {
		return 0
	}
	return int32(min(math.Ceil(timeout.Seconds()), MaxWaitTimeSeconds))
}

func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	return int32(min(math.Ceil(delay.Seconds()), MaxDelaySeconds))
}
