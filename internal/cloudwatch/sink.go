// Package cloudwatch implements sink.API on top of AWS CloudWatch Logs.
package cloudwatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/sirupsen/logrus"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

// LogsAPI is the subset of the CloudWatch Logs client used by Sink
type LogsAPI interface {
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Options holds the connection settings for CloudWatch Logs
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string // overrides the regional endpoint when set
}

// Sink adapts CloudWatch Logs to sink.API
type Sink struct {
	api LogsAPI
	log *logrus.Entry
}

// New wraps an existing CloudWatch Logs client
func New(api LogsAPI, log *logrus.Entry) *Sink {
	return &Sink{api: api, log: log}
}

// Dial builds a CloudWatch Logs client from opts. Static credentials are
// used when an access key is given, otherwise the default AWS chain.
func Dial(ctx context.Context, opts Options, log *logrus.Entry) (*Sink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) {
		// retries are owned by sink.Policy
		o.RetryMaxAttempts = 1
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, log), nil
}

// DescribeStream looks up stream in group and returns its upload token
func (s *Sink) DescribeStream(ctx context.Context, group, stream string) (sink.StreamInfo, error) {
	input := &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(group),
		LogStreamNamePrefix: aws.String(stream),
	}

	for {
		out, err := s.api.DescribeLogStreams(ctx, input)
		if err != nil {
			return sink.StreamInfo{}, classify("DescribeLogStreams", err)
		}

		for _, ls := range out.LogStreams {
			if aws.ToString(ls.LogStreamName) == stream {
				return sink.StreamInfo{Exists: true, Token: aws.ToString(ls.UploadSequenceToken)}, nil
			}
		}

		if out.NextToken == nil || aws.ToString(out.NextToken) == aws.ToString(input.NextToken) {
			return sink.StreamInfo{}, nil
		}
		input.NextToken = out.NextToken
	}
}

func (s *Sink) CreateGroup(ctx context.Context, group string) error {
	_, err := s.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	})
	return classify("CreateLogGroup", err)
}

func (s *Sink) CreateStream(ctx context.Context, group, stream string) error {
	_, err := s.api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	return classify("CreateLogStream", err)
}

// PutEvents uploads events and returns the next sequence token.
// An empty token is omitted from the request.
func (s *Sink) PutEvents(ctx context.Context, group, stream, token string, events []sink.Event) (string, error) {
	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		LogEvents:     make([]types.InputLogEvent, len(events)),
	}
	if token != "" {
		input.SequenceToken = aws.String(token)
	}
	for i, ev := range events {
		input.LogEvents[i] = types.InputLogEvent{
			Message:   aws.String(ev.Message),
			Timestamp: aws.Int64(ev.Timestamp),
		}
	}

	out, err := s.api.PutLogEvents(ctx, input)
	if err != nil {
		return "", classify("PutLogEvents", err)
	}

	if r := out.RejectedLogEventsInfo; r != nil && s.log != nil {
		s.log.WithFields(logrus.Fields{
			"too_old_end":   aws.ToInt32(r.TooOldLogEventEndIndex),
			"too_new_start": aws.ToInt32(r.TooNewLogEventStartIndex),
			"expired_end":   aws.ToInt32(r.ExpiredLogEventEndIndex),
			"group":         group,
			"stream":        stream,
		}).Warn("CloudWatch rejected part of a batch")
	}
	return aws.ToString(out.NextSequenceToken), nil
}
