package cloudwatch

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

var throttlingCodes = map[string]bool{
	"ThrottlingException":      true,
	"Throttling":               true,
	"TooManyRequestsException": true,
	"RequestLimitExceeded":     true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
}

var credentialCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"InvalidSignatureException":   true,
	"SignatureDoesNotMatch":       true,
	"AccessDeniedException":       true,
	"ExpiredTokenException":       true,
	"MissingAuthenticationToken":  true,
}

// classify decodes an SDK error into a *sink.Error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	se := &sink.Error{Op: op, Kind: sink.KindUnclassified, Err: err}

	var (
		accepted    *types.DataAlreadyAcceptedException
		stale       *types.InvalidSequenceTokenException
		notFound    *types.ResourceNotFoundException
		exists      *types.ResourceAlreadyExistsException
		unavailable *types.ServiceUnavailableException
		apiErr      smithy.APIError
	)

	switch {
	case errors.As(err, &accepted):
		se.Kind = sink.KindDataAlreadyAccepted
		se.Token = aws.ToString(accepted.ExpectedSequenceToken)
		if se.Token == "" {
			se.Token = tokenFromMessage(accepted.ErrorMessage(), "sequenceToken: ")
		}
	case errors.As(err, &stale):
		se.Kind = sink.KindStaleToken
		se.Token = aws.ToString(stale.ExpectedSequenceToken)
		if se.Token == "" {
			se.Token = tokenFromMessage(stale.ErrorMessage(), "sequenceToken is: ")
		}
	case errors.As(err, &notFound):
		se.Kind = sink.KindNotFound
	case errors.As(err, &exists):
		se.Kind = sink.KindAlreadyExists
	case errors.As(err, &unavailable):
		se.Kind = sink.KindTransient
	case errors.As(err, &apiErr):
		switch {
		case throttlingCodes[apiErr.ErrorCode()]:
			se.Kind = sink.KindTransient
		case credentialCodes[apiErr.ErrorCode()]:
			se.Kind = sink.KindInvalidCredentials
		case apiErr.ErrorFault() == smithy.FaultServer:
			se.Kind = sink.KindTransient
		}
	case errors.Is(err, context.Canceled):
		// unclassified
	default:
		// no response from the service: network fault or timeout
		se.Kind = sink.KindTransient
	}
	return se
}

// tokenFromMessage extracts the token that follows marker in msg
func tokenFromMessage(msg, marker string) string {
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(msg[i+len(marker):])
}
