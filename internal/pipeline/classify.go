package pipeline

import (
	"context"
	"errors"

	"github.com/accred-agent/backend/internal/llm"
)

func isTimeout(err error) bool {
	return errors.Is(err, llm.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func isMalformed(err error) bool {
	return errors.Is(err, ErrMalformedAgentOutput) || errors.Is(err, llm.ErrEmptyResponse)
}
