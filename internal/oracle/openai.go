package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/internal/telemetry"
)

// OpenAIOracle implements Oracle over an OpenAI-compatible chat-completion
// endpoint.
type OpenAIOracle struct {
	client openai.Client
	model  string
	logger *slog.Logger

	callDuration metric.Float64Histogram
}

// NewOpenAIOracle creates an oracle client. baseURL may point at any
// OpenAI-compatible server (empty means api.openai.com).
func NewOpenAIOracle(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIOracle {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	meter := telemetry.Meter("loom/oracle")
	callDur, _ := meter.Float64Histogram("loom.oracle.call.duration",
		metric.WithDescription("Oracle chat-completion call duration (ms)"),
		metric.WithUnit("ms"),
	)

	return &OpenAIOracle{
		client:       openai.NewClient(opts...),
		model:        model,
		logger:       logger,
		callDuration: callDur,
	}
}

// complete runs one chat completion and returns the raw assistant text.
// Transport failures come back as TransientError; an empty choice list is
// malformed output.
func (o *OpenAIOracle) complete(ctx context.Context, operation, system, user string) (string, error) {
	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.2),
	})
	o.callDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", operation)))
	if err != nil {
		return "", &TransientError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &MalformedOutputError{Reason: "no completion choices", Raw: ""}
	}
	return resp.Choices[0].Message.Content, nil
}

// ClassifyBatch turns one event batch into exactly one cluster classification.
func (o *OpenAIOracle) ClassifyBatch(ctx context.Context, events []BatchEvent) (BatchClassification, error) {
	raw, err := o.complete(ctx, "classify", classifySystem, classifyPrompt(events))
	if err != nil {
		return BatchClassification{}, err
	}

	var result BatchClassification
	if err := decodeObject(raw, []string{"label", "summary", "apps", "keywords", "productivity", "confidence"}, &result); err != nil {
		o.logger.Error("oracle: classify output rejected", "error", err, "raw", raw)
		return BatchClassification{}, err
	}
	return result, nil
}

// GroupUnits partitions ungrouped children across existing and new parents.
func (o *OpenAIOracle) GroupUnits(ctx context.Context, req GroupRequest) ([]GroupResult, error) {
	raw, err := o.complete(ctx, "group", groupSystem, groupPrompt(req))
	if err != nil {
		return nil, err
	}

	var results []GroupResult
	if err := decodeArray(raw, []string{"title", "member_ids"}, &results); err != nil {
		o.logger.Error("oracle: group output rejected", "error", err, "raw", raw)
		return nil, err
	}
	return results, nil
}

// MutateUnit folds an incoming unit into an existing one, preserving identity.
func (o *OpenAIOracle) MutateUnit(ctx context.Context, existing, incoming UnitText) (Merged, error) {
	return o.mergedCall(ctx, "mutate", mutateSystem, mutatePrompt(existing, incoming))
}

// MergeUnits combines two peer units into one unified name/summary.
func (o *OpenAIOracle) MergeUnits(ctx context.Context, a, b UnitText) (Merged, error) {
	return o.mergedCall(ctx, "merge", mutateSystem, mergePrompt(a, b))
}

func (o *OpenAIOracle) mergedCall(ctx context.Context, operation, system, prompt string) (Merged, error) {
	raw, err := o.complete(ctx, operation, system, prompt)
	if err != nil {
		return Merged{}, err
	}

	var result Merged
	if err := decodeObject(raw, []string{"name", "summary"}, &result); err != nil {
		o.logger.Error("oracle: merged output rejected", "error", err, "operation", operation, "raw", raw)
		return Merged{}, err
	}
	return result, nil
}
