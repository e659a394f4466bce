package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/mx-space/social/internal/pkg/metrics"
	provider "github.com/mx-space/social/internal/pkg/push"
	"github.com/mx-space/social/internal/pkg/taskqueue"
	"go.uber.org/zap"
)

// ErrAllFailed is returned when every addressed token failed transiently.
var ErrAllFailed = errors.New("push: every token failed")

type Processor struct {
	tokens TokenStore
	sender Sender
	logger *zap.Logger
}

func NewProcessor(tokens TokenStore, sender Sender, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{tokens: tokens, sender: sender, logger: logger}
}

// Handle is the taskqueue handler for push.send jobs.
func (p *Processor) Handle(ctx context.Context, job *taskqueue.Job) (interface{}, error) {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return nil, taskqueue.Permanent(fmt.Errorf("decode push payload: %w", err))
	}
	if payload.UserID == "" && len(payload.Tokens) == 0 {
		return nil, taskqueue.Permanent(errors.New("push payload has no recipient"))
	}
	return p.Process(ctx, payload)
}

// Process runs one delivery attempt. Tokens the provider rejects permanently are
// deactivated whatever the attempt's outcome. A returned error means the attempt
// should be retried, unless it is marked permanent.
func (p *Processor) Process(ctx context.Context, payload Payload) (*Result, error) {
	tokens := payload.Tokens
	if len(tokens) == 0 {
		var err error
		tokens, err = p.tokens.ActiveTokens(ctx, payload.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve device tokens: %w", err)
		}
	}
	if len(tokens) == 0 {
		p.logger.Debug("no device tokens, nothing to push", zap.String("user", payload.UserID))
		return &Result{InvalidTokens: []string{}}, nil
	}

	msgs := make([]provider.Message, len(tokens))
	for i, token := range tokens {
		msgs[i] = provider.Message{
			To:       token,
			Title:    payload.Title,
			Body:     payload.Body,
			Data:     payload.Data,
			Sound:    payload.Sound,
			Badge:    payload.Badge,
			ImageURL: payload.ImageURL,
		}
	}

	report, sendErr := p.sender.Send(ctx, msgs)

	if len(report.Invalid) > 0 {
		n, err := p.tokens.Deactivate(ctx, report.Invalid)
		if err != nil {
			p.logger.Warn("deactivate invalid tokens failed", zap.Error(err))
		} else {
			metrics.PushTokensInvalidated.Add(float64(n))
			p.logger.Info("deactivated invalid tokens",
				zap.String("user", payload.UserID),
				zap.Int64("count", n),
			)
		}
	}
	if len(report.Delivered) > 0 {
		if err := p.tokens.Touch(ctx, report.Delivered); err != nil {
			p.logger.Debug("touch delivered tokens failed", zap.Error(err))
		}
	}

	if sendErr != nil {
		if !errors.Is(sendErr, provider.ErrTransient) {
			return nil, taskqueue.Permanent(sendErr)
		}
		return nil, sendErr
	}

	result := &Result{
		SuccessCount:  len(report.Delivered),
		FailureCount:  len(report.Invalid) + len(report.Failed),
		InvalidTokens: append([]string{}, report.Invalid...),
	}
	if result.SuccessCount == 0 && len(report.Failed) > 0 {
		return result, fmt.Errorf("%w: %d transient failures", ErrAllFailed, len(report.Failed))
	}
	return result, nil
}
