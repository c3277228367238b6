package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

type mockLogs struct{ mock.Mock }

func (m *mockLogs) DescribeLogStreams(ctx context.Context, in *cloudwatchlogs.DescribeLogStreamsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
	args := m.Called(aws.ToString(in.NextToken))
	out, _ := args.Get(0).(*cloudwatchlogs.DescribeLogStreamsOutput)
	return out, args.Error(1)
}

func (m *mockLogs) CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	args := m.Called(aws.ToString(in.LogGroupName))
	return &cloudwatchlogs.CreateLogGroupOutput{}, args.Error(0)
}

func (m *mockLogs) CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	args := m.Called(aws.ToString(in.LogGroupName), aws.ToString(in.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, args.Error(0)
}

func (m *mockLogs) PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	args := m.Called(in)
	out, _ := args.Get(0).(*cloudwatchlogs.PutLogEventsOutput)
	return out, args.Error(1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  sink.Kind
		token string
	}{
		{
			name:  "data already accepted",
			err:   &types.DataAlreadyAcceptedException{ExpectedSequenceToken: aws.String("495")},
			kind:  sink.KindDataAlreadyAccepted,
			token: "495",
		},
		{
			name:  "data already accepted token in message",
			err:   &types.DataAlreadyAcceptedException{Message: aws.String("The given batch of log events has already been accepted. The next batch can be sent with sequenceToken: 4962")},
			kind:  sink.KindDataAlreadyAccepted,
			token: "4962",
		},
		{
			name:  "invalid sequence token",
			err:   &types.InvalidSequenceTokenException{ExpectedSequenceToken: aws.String("777")},
			kind:  sink.KindStaleToken,
			token: "777",
		},
		{
			name:  "invalid sequence token in message",
			err:   &types.InvalidSequenceTokenException{Message: aws.String("The given sequenceToken is invalid. The next expected sequenceToken is: 888")},
			kind:  sink.KindStaleToken,
			token: "888",
		},
		{name: "not found", err: &types.ResourceNotFoundException{}, kind: sink.KindNotFound},
		{name: "already exists", err: &types.ResourceAlreadyExistsException{}, kind: sink.KindAlreadyExists},
		{name: "service unavailable", err: &types.ServiceUnavailableException{}, kind: sink.KindTransient},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "ThrottlingException"}, kind: sink.KindTransient},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}, kind: sink.KindTransient},
		{name: "bad credentials", err: &smithy.GenericAPIError{Code: "UnrecognizedClientException"}, kind: sink.KindInvalidCredentials},
		{name: "invalid parameter", err: &types.InvalidParameterException{}, kind: sink.KindUnclassified},
		{name: "network", err: errors.New("dial tcp: connection refused"), kind: sink.KindTransient},
		{name: "canceled", err: fmt.Errorf("op: %w", context.Canceled), kind: sink.KindUnclassified},
		{
			name: "wrapped by operation error",
			err: &smithy.OperationError{
				ServiceID:     "CloudWatch Logs",
				OperationName: "PutLogEvents",
				Err:           &types.InvalidSequenceTokenException{ExpectedSequenceToken: aws.String("9")},
			},
			kind:  sink.KindStaleToken,
			token: "9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("PutLogEvents", tt.err)

			var se *sink.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.token, se.Token)
			assert.Equal(t, "PutLogEvents", se.Op)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("PutLogEvents", nil))
}

func TestSink_DescribeStream_Paginates(t *testing.T) {
	api := &mockLogs{}
	api.On("DescribeLogStreams", "").Return(&cloudwatchlogs.DescribeLogStreamsOutput{
		LogStreams: []types.LogStream{{LogStreamName: aws.String("app-1")}},
		NextToken:  aws.String("page2"),
	}, nil)
	api.On("DescribeLogStreams", "page2").Return(&cloudwatchlogs.DescribeLogStreamsOutput{
		LogStreams: []types.LogStream{{LogStreamName: aws.String("app"), UploadSequenceToken: aws.String("tok")}},
	}, nil)

	info, err := New(api, nil).DescribeStream(context.Background(), "group", "app")

	require.NoError(t, err)
	assert.Equal(t, sink.StreamInfo{Exists: true, Token: "tok"}, info)
}

func TestSink_DescribeStream_Missing(t *testing.T) {
	api := &mockLogs{}
	api.On("DescribeLogStreams", "").Return(&cloudwatchlogs.DescribeLogStreamsOutput{
		LogStreams: []types.LogStream{{LogStreamName: aws.String("app-1")}},
	}, nil)

	info, err := New(api, nil).DescribeStream(context.Background(), "group", "app")

	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestSink_DescribeStream_GroupMissing(t *testing.T) {
	api := &mockLogs{}
	api.On("DescribeLogStreams", "").Return(nil, &types.ResourceNotFoundException{})

	_, err := New(api, nil).DescribeStream(context.Background(), "group", "app")

	assert.True(t, sink.IsKind(err, sink.KindNotFound))
}

func TestSink_CreateGroupAndStream(t *testing.T) {
	api := &mockLogs{}
	api.On("CreateLogGroup", "group").Return(nil)
	api.On("CreateLogStream", "group", "app").Return(&types.ResourceAlreadyExistsException{})
	s := New(api, nil)

	assert.NoError(t, s.CreateGroup(context.Background(), "group"))
	assert.True(t, sink.IsKind(s.CreateStream(context.Background(), "group", "app"), sink.KindAlreadyExists))
}

func TestSink_PutEvents(t *testing.T) {
	api := &mockLogs{}
	events := []sink.Event{{Timestamp: 1, Message: "a"}, {Timestamp: 2, Message: "b"}}

	api.On("PutLogEvents", mock.MatchedBy(func(in *cloudwatchlogs.PutLogEventsInput) bool {
		return in.SequenceToken == nil && len(in.LogEvents) == 2 &&
			aws.ToString(in.LogEvents[1].Message) == "b" && aws.ToInt64(in.LogEvents[1].Timestamp) == 2
	})).Return(&cloudwatchlogs.PutLogEventsOutput{NextSequenceToken: aws.String("1")}, nil).Once()
	api.On("PutLogEvents", mock.MatchedBy(func(in *cloudwatchlogs.PutLogEventsInput) bool {
		return aws.ToString(in.SequenceToken) == "1"
	})).Return(nil, &types.InvalidSequenceTokenException{ExpectedSequenceToken: aws.String("5")}).Once()

	s := New(api, nil)

	next, err := s.PutEvents(context.Background(), "group", "app", "", events)
	require.NoError(t, err)
	assert.Equal(t, "1", next)

	_, err = s.PutEvents(context.Background(), "group", "app", "1", events)
	var se *sink.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sink.KindStaleToken, se.Kind)
	assert.Equal(t, "5", se.Token)
	api.AssertExpectations(t)
}
