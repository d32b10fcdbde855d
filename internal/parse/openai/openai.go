// Package openai backs the parse.ModelParser and parse.Transcriber
// interfaces with the OpenAI Chat Completions and Whisper APIs.
package openai

import (
	"bytes"
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/example/calendar-assistant/internal/parse"
)

// Options configure the OpenAI parser adapter.
type Options struct {
	Model        string
	WhisperModel string
	Temperature  float64
	MaxTokens    int64
}

// Parser wraps the OpenAI client behind the parse interfaces.
type Parser struct {
	client *openai.Client
	opts   Options
}

// NewParser creates a parser using the default client, which reads its
// API key from the environment.
func NewParser(optFns ...func(o *Options)) *Parser {
	client := openai.NewClient()
	return NewParserFromClient(&client, optFns...)
}

// NewParserFromClient creates a parser from an existing client.
func NewParserFromClient(client *openai.Client, optFns ...func(o *Options)) *Parser {
	opts := Options{
		Model:        openai.ChatModelGPT4oMini,
		WhisperModel: string(openai.AudioModelWhisper1),
		Temperature:  0.1,
		MaxTokens:    1000,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Parser{client: client, opts: opts}
}

// Parse sends the message with the extraction prompt and decodes the
// JSON answer.
func (p *Parser) Parse(ctx context.Context, req parse.Request) (parse.Result, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(parse.SystemPrompt(req)),
			openai.UserMessage(req.Text),
		},
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxTokens),
	})
	if err != nil {
		return parse.Result{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return parse.Result{}, fmt.Errorf("openai: no choices returned")
	}
	return parse.DecodeModelOutput(resp.Choices[0].Message.Content, req.Text)
}

// Transcribe converts a voice recording to text via Whisper.
func (p *Parser) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	transcription, err := p.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(p.opts.WhisperModel),
		File:  openai.File(bytes.NewReader(audio), filename, "audio/ogg"),
	})
	if err != nil {
		return "", fmt.Errorf("whisper api error: %w", err)
	}
	return transcription.Text, nil
}
