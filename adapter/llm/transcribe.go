package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyAudio is returned when there is no audio to transcribe.
var ErrEmptyAudio = errors.New("audio input is empty")

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
	Model() string
}

// OpenAITranscriber transcribes audio with the OpenAI audio API.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

// NewOpenAITranscriber creates a transcriber that shares the chat adapter's
// client configuration.
func NewOpenAITranscriber(o *OpenAILLM, model string) *OpenAITranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAITranscriber{client: o.client, model: model}
}

// Model returns the transcription model.
func (t *OpenAITranscriber) Model() string {
	return t.model
}

// Transcribe uploads audio and returns the recognised text. filename is only
// used to tell the API the audio format.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if audio == nil {
		return "", ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.mp3"
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: filename,
		Reader:   audio,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return resp.Text, nil
}
