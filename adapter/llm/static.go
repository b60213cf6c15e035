package llm

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"sync"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// Picker chooses an index in [0, n).
type Picker func(n int) int

// StaticLLM answers with canned completions. It stands in for a hosted model
// when no credentials are configured.
type StaticLLM struct {
	model   string
	replies []string

	mu   sync.Mutex
	pick Picker
}

// NewStaticLLM creates a canned model. With no replies it echoes the last
// user message.
func NewStaticLLM(model string, replies ...string) *StaticLLM {
	return &StaticLLM{model: model, replies: replies, pick: rand.Intn}
}

// SetPicker replaces the reply chooser.
func (s *StaticLLM) SetPicker(p Picker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pick = p
}

// Model returns the model label.
func (s *StaticLLM) Model() string {
	return s.model
}

func (s *StaticLLM) reply(messages []*agenkit.Message) string {
	if len(s.replies) == 0 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				return messages[i].Content
			}
		}
		return ""
	}
	s.mu.Lock()
	idx := s.pick(len(s.replies))
	s.mu.Unlock()
	return s.replies[idx]
}

// Complete returns one canned reply.
func (s *StaticLLM) Complete(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (*agenkit.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	response := agenkit.NewMessage("agent", s.reply(messages))
	response.Metadata["model"] = s.model
	response.Metadata["static"] = true
	return response, nil
}

// Stream emits the canned reply word by word.
func (s *StaticLLM) Stream(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (<-chan *agenkit.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.SplitAfter(s.reply(messages), " ")
	ch := make(chan *agenkit.Message)
	go func() {
		defer close(ch)
		for _, w := range words {
			chunk := agenkit.NewMessage("agent", w)
			chunk.Metadata["streaming"] = true
			chunk.Metadata["model"] = s.model
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwrap returns the StaticLLM itself.
func (s *StaticLLM) Unwrap() interface{} {
	return s
}

// StaticTranscriber returns a canned transcript for any input.
type StaticTranscriber struct {
	*StaticLLM
}

// NewStaticTranscriber creates a transcriber choosing among transcripts.
func NewStaticTranscriber(model string, transcripts ...string) *StaticTranscriber {
	return &StaticTranscriber{StaticLLM: NewStaticLLM(model, transcripts...)}
}

// Transcribe drains audio and returns a canned transcript.
func (t *StaticTranscriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if audio == nil {
		return "", ErrEmptyAudio
	}
	n, err := io.Copy(io.Discard, audio)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrEmptyAudio
	}
	return t.reply(nil), nil
}
