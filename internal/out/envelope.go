package out

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/model"
)

func NewRequestID() string {
	return uuid.NewString()
}

// Success wraps data in a successful envelope for command.
func Success(command string, data any, warnings []string, cache model.CacheStatus, now time.Time) model.Envelope {
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: NewRequestID(),
			Timestamp: now.UTC(),
			Command:   command,
			Cache:     cache,
		},
	}
}

// Failure renders err as an error envelope. data is kept when the failing
// operation still has something to report, such as a run's stored result.
func Failure(command string, err error, data any, now time.Time) model.Envelope {
	if data == nil {
		data = []any{}
	}
	return model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error:   ErrorBody(err),
		Meta: model.EnvelopeMeta{
			RequestID: NewRequestID(),
			Timestamp: now.UTC(),
			Command:   command,
			Cache:     model.CacheStatus{Status: "bypass"},
		},
	}
}

func ErrorBody(err error) *model.ErrorBody {
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}
	return &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    clierr.TypeOf(err),
		Message: message,
	}
}
