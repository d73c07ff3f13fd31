// Package translate turns caption audio into translated text by calling the
// OpenAI API directly, for deployments whose relay has no translation backend.
package translate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/bt-bridge/lingocall/tools"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

type Options struct {
	APIKey  string
	BaseURL string
	// TranscriptionModel defaults to whisper-1.
	TranscriptionModel string
	// ChatModel defaults to gpt-4o-mini.
	ChatModel  string
	MaxRetries int
}

// Backend transcribes each chunk, translates the text and hands the result to
// the sink as if it had arrived as a translation_result event.
type Backend struct {
	logger shared.LoggerAdapter
	client openai.Client
	opts   Options
	sink   func(p *lingocall.TranslationResultParam)
}

var _ lingocall.AudioForwarder = (*Backend)(nil)

func NewBackend(logger shared.LoggerAdapter, opts Options, sink func(p *lingocall.TranslationResultParam)) (*Backend, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.APIKey == "" {
		return nil, errors.New("no API key provided")
	}
	if sink == nil {
		return nil, errors.New("no result sink provided")
	}
	if opts.TranscriptionModel == "" {
		opts.TranscriptionModel = string(openai.AudioModelWhisper1)
	}
	if opts.ChatModel == "" {
		opts.ChatModel = string(openai.ChatModelGPT4oMini)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Backend{
		logger: logger.With(zap.String("component", "translate")),
		client: openai.NewClient(reqOpts...),
		opts:   opts,
		sink:   sink,
	}, nil
}

func (b *Backend) ForwardAudio(ctx context.Context, chunk lingocall.AudioChunk) error {
	if len(chunk.Samples) == 0 {
		return nil
	}
	original, err := b.Transcribe(ctx, chunk.Samples, chunk.SampleRate, chunk.SourceLang)
	if err != nil {
		return err
	}
	if original == "" {
		b.logger.Trace("silent chunk", zap.Int("samples", len(chunk.Samples)))
		return nil
	}
	translated, err := b.Translate(ctx, original, chunk.SourceLang, chunk.TargetLang)
	if err != nil {
		return err
	}
	b.sink(&lingocall.TranslationResultParam{
		Original:   original,
		Translated: translated,
		SourceLang: chunk.SourceLang,
		TargetLang: chunk.TargetLang,
	})
	return nil
}

func (b *Backend) Transcribe(ctx context.Context, samples []float32, sampleRate int, lang string) (string, error) {
	wav := tools.EncodeWAV(samples, sampleRate)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "chunk.wav", "audio/wav"),
		Model: openai.AudioModel(b.opts.TranscriptionModel),
	}
	if lang != "" {
		params.Language = openai.String(lang)
	}
	res, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

func (b *Backend) Translate(ctx context.Context, text, source, target string) (string, error) {
	prompt := fmt.Sprintf(
		"Translate the user's message from %s to %s. Reply with the translation only.",
		source, target,
	)
	res, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.opts.ChatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("translating text: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("translation returned no choices")
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}
