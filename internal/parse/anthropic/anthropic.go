// Package anthropic backs the parse.ModelParser interface with the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/example/calendar-assistant/internal/parse"
)

// Options configure the Anthropic parser adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Parser wraps the Anthropic client behind parse.ModelParser.
type Parser struct {
	client *anthropic.Client
	opts   Options
}

// NewParser creates a parser using the official client.
func NewParser(optFns ...func(o *Options)) *Parser {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Parser{client: &client, opts: opts}
}

// NewParserFromClient creates a parser from an existing client.
func NewParserFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Parser {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Parser{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Haiku20241022,
		Temperature: 0.1,
		MaxTokens:   1000,
	}
}

// Parse sends the message with the extraction prompt and decodes the
// JSON answer.
func (p *Parser) Parse(ctx context.Context, req parse.Request) (parse.Result, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: parse.SystemPrompt(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)),
		},
		Temperature: anthropic.Float(p.opts.Temperature),
	})
	if err != nil {
		return parse.Result{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.AsText().Text)
		}
	}
	if out.Len() == 0 {
		return parse.Result{}, fmt.Errorf("anthropic: empty response")
	}
	return parse.DecodeModelOutput(out.String(), req.Text)
}
