// Package voice feeds transcribed operator speech into the event queue.
// Transcription itself runs elsewhere (a speech-to-text tool writing one
// utterance per line to stdin or a FIFO).
package voice

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
	"go.uber.org/zap"
)

// MinUtteranceChars drops fragments such as "uh" that transcribers emit for
// noise.
const MinUtteranceChars = 2

// LineSource reads one utterance per line and enqueues it as CRITICAL
// operator speech.
type LineSource struct {
	r      io.Reader
	logger *zap.Logger
}

// NewLineSource creates a LineSource reading from r.
func NewLineSource(r io.Reader, logger *zap.Logger) *LineSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineSource{r: r, logger: logger.Named("voice")}
}

// Name identifies the producer.
func (s *LineSource) Name() string { return "operator_voice" }

// Run reads until EOF or ctx ends. Operator speech waits for queue space
// rather than being dropped. A read blocked on the underlying reader is
// abandoned when ctx ends; closing the reader releases it.
func (s *LineSource) Run(ctx context.Context, q queue.Enqueuer) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	s.logger.Info("listening for operator speech")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("voice: read: %w", err)
					}
				default:
				}
				s.logger.Info("operator speech source closed")
				return nil
			}
			text := strings.TrimSpace(line)
			if len([]rune(text)) < MinUtteranceChars {
				continue
			}
			ev := types.NewEvent(types.EventOperatorSpeech, types.PriorityCritical, s.Name(), types.OperatorSpeech{Text: text})
			if err := q.Enqueue(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("failed to enqueue operator speech", zap.Error(err))
				continue
			}
			s.logger.Info("operator speech", zap.String("text", types.Truncate(text, 80)))
		}
	}
}
