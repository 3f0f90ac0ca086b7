package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/storyloom/storyloom-core/internal/config"
)

const defaultMaxOutputTokens = 4096

// NewProviderAdapter builds the SDK-backed adapter for one configured
// provider.
func NewProviderAdapter(providerType, baseURL, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case config.ProviderOpenAI, config.ProviderOpenAICompatible:
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case config.ProviderAnthropic:
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request, onFrame func(Frame)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, errors.New("missing model")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(strings.TrimSpace(req.UserPrompt))),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if onFrame == nil {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return Result{}, err
		}
		return anthropicResult(*msg), nil
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return Result{}, err
		}
		if variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					emitFrame(onFrame, Frame{Type: FrameContent, Content: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if strings.TrimSpace(delta.Thinking) != "" {
					emitFrame(onFrame, Frame{Type: FrameReasoning, Content: delta.Thinking})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, err
	}
	return anthropicResult(msg), nil
}

func anthropicResult(msg anthropic.Message) Result {
	var text strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return Result{
		Text: strings.TrimSpace(text.String()),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
}

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) Complete(ctx context.Context, req Request, onFrame func(Frame)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, errors.New("missing model")
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if instructions := strings.TrimSpace(req.SystemPrompt); instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{
		OfInputItemList: []oresponses.ResponseInputItemUnionParam{
			oresponses.ResponseInputItemParamOfMessage(strings.TrimSpace(req.UserPrompt), oresponses.EasyInputMessageRoleUser),
		},
	}

	if onFrame == nil {
		resp, err := p.client.Responses.New(ctx, params)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Text: strings.TrimSpace(resp.OutputText()),
			Usage: Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		}, nil
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var textBuf strings.Builder
	var usage Usage
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emitFrame(onFrame, Frame{Type: FrameContent, Content: delta})
		case "response.completed":
			usage = Usage{
				InputTokens:  event.Response.Usage.InputTokens,
				OutputTokens: event.Response.Usage.OutputTokens,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: strings.TrimSpace(textBuf.String()), Usage: usage}, nil
}
