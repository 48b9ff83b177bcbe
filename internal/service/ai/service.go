package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docassist/internal/metrics"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNothingToSummarize is returned when Summarize receives no chunks.
var ErrNothingToSummarize = errors.New("nothing to summarize")

const (
	qaTemplate      = "You are a helpful assistant. Use the following context:\n\n{context}\n\nQ: {question}\nA:"
	mapTemplate     = "Summarize:\n{text}"
	combineTemplate = "Combine:\n{text}"
)

// Service answers questions and writes summaries over retrieved chunks.
type Service struct {
	chat        model.BaseChatModel
	qa          prompt.ChatTemplate
	mapStep     prompt.ChatTemplate
	combineStep prompt.ChatTemplate
	concurrency int
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
}

// NewService wraps chat. concurrency bounds parallel map calls in Summarize.
func NewService(chat model.BaseChatModel, concurrency int, logger logrus.FieldLogger, m *metrics.Metrics) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		chat:        chat,
		qa:          prompt.FromMessages(schema.FString, schema.UserMessage(qaTemplate)),
		mapStep:     prompt.FromMessages(schema.FString, schema.UserMessage(mapTemplate)),
		combineStep: prompt.FromMessages(schema.FString, schema.UserMessage(combineTemplate)),
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// Answer stuffs contexts into one prompt and returns the model's reply.
func (s *Service) Answer(ctx context.Context, question string, contexts []string) (string, error) {
	start := time.Now()
	defer func() {
		s.metrics.RequestLatency.WithLabelValues("query").Observe(time.Since(start).Seconds())
	}()

	answer, err := s.run(ctx, s.qa, map[string]any{
		"context":  strings.Join(contexts, "\n\n"),
		"question": question,
	})
	if err != nil {
		s.metrics.LLMErrors.WithLabelValues("query").Inc()
		return "", err
	}
	return answer, nil
}

// Summarize summarizes each chunk independently, then combines the partial
// summaries in chunk order.
func (s *Service) Summarize(ctx context.Context, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return "", ErrNothingToSummarize
	}
	start := time.Now()
	defer func() {
		s.metrics.RequestLatency.WithLabelValues("summarize").Observe(time.Since(start).Seconds())
	}()

	partials := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := s.run(gctx, s.mapStep, map[string]any{"text": chunk})
			if err != nil {
				return fmt.Errorf("summarize chunk %d: %w", i, err)
			}
			partials[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.LLMErrors.WithLabelValues("summarize").Inc()
		return "", err
	}
	s.logger.WithField("chunks", len(chunks)).Debug("map step complete")

	summary, err := s.run(ctx, s.combineStep, map[string]any{"text": strings.Join(partials, "\n\n")})
	if err != nil {
		s.metrics.LLMErrors.WithLabelValues("summarize").Inc()
		return "", fmt.Errorf("combine summaries: %w", err)
	}
	return summary, nil
}

func (s *Service) run(ctx context.Context, tpl prompt.ChatTemplate, vars map[string]any) (string, error) {
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	resp, err := s.chat.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return "", errors.New("generate: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}
