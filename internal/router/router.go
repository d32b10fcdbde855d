// Package router decides, per message, whether the local parser is
// enough or a model pass is warranted, while respecting per-user
// model-call budgets. The user always gets a usable outcome: when
// everything else fails the result asks for clarification instead of
// surfacing an error.
package router

import (
	"context"
	"log/slog"

	"github.com/example/calendar-assistant/internal/logging"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/ratelimit"
)

// Confidence thresholds for accepting a local parse. The relaxed value
// applies when the model budget is exhausted and local is all we have.
const (
	acceptThreshold  = 0.7
	relaxedThreshold = 0.5
	simpleThreshold  = 0.6
)

// Router coordinates the local parser, the model parsers and the
// per-user budget.
type Router struct {
	local    *parse.LocalParser
	model    parse.ModelParser
	fallback parse.ModelParser
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// New builds a Router. fallback may be nil; it is consulted only when
// the primary model errors.
func New(local *parse.LocalParser, model parse.ModelParser, fallback parse.ModelParser, limiter *ratelimit.Limiter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{local: local, model: model, fallback: fallback, limiter: limiter, logger: logger}
}

// Message is one inbound message to route.
type Message struct {
	UserID        string
	Text          string
	Timezone      string
	ForwardedFrom string
}

// Route parses the message by the cheapest path that yields an
// acceptable confidence. It never returns a raw parser or model error;
// the worst outcome is a clarification request.
func (r *Router) Route(ctx context.Context, msg Message) parse.Result {
	complexity := Classify(msg.Text)
	localResult := r.local.Parse(msg.Text)

	logger := logging.FromContext(ctx)
	logger.Debug("message routed",
		slog.String("user_id", msg.UserID),
		slog.String("complexity", string(complexity)),
		slog.Float64("local_confidence", localResult.Confidence),
	)

	threshold := acceptThreshold
	if complexity == ComplexitySimple {
		threshold = simpleThreshold
	}

	// Simple and medium messages take the local result when it clears
	// the bar. Complex and forwarded ones go straight to a model.
	modelFirst := complexity == ComplexityComplex || msg.ForwardedFrom != ""
	if !modelFirst && localResult.Confidence >= threshold && !localResult.NeedsClarification() {
		return localResult
	}

	if r.model == nil {
		return acceptOrClarify(localResult, relaxedThreshold)
	}

	decision, err := r.limiter.TryAcquire(ctx, msg.UserID, ratelimit.OpAIParse)
	if err == nil && !decision.Allowed {
		// Budget exhausted: accept a weaker local parse rather than
		// burning a model call.
		logger.Info("model budget exhausted, using local parse",
			slog.String("user_id", msg.UserID),
			slog.Duration("retry_after", decision.RetryAfter),
		)
		return acceptOrClarify(localResult, relaxedThreshold)
	}

	req := parse.Request{Text: msg.Text, Timezone: msg.Timezone, ForwardedFrom: msg.ForwardedFrom}
	modelResult, err := r.model.Parse(ctx, req)
	if err != nil && r.fallback != nil {
		logger.Warn("primary model parse failed, trying fallback", logging.Error(err))
		modelResult, err = r.fallback.Parse(ctx, req)
	}
	if err != nil {
		logger.Warn("model parse failed", logging.Error(err))
		return acceptOrClarify(localResult, relaxedThreshold)
	}

	// Prefer whichever side is more confident; the local parser can
	// beat a hesitant model on shapes it fully understands.
	if localResult.Confidence > modelResult.Confidence && !localResult.NeedsClarification() {
		return localResult
	}
	return acceptOrClarify(modelResult, relaxedThreshold)
}

// acceptOrClarify passes the result through when it is usable at the
// given threshold, otherwise degrades it to a clarification request.
func acceptOrClarify(result parse.Result, threshold float64) parse.Result {
	if result.Confidence >= threshold && !result.NeedsClarification() {
		return result
	}
	if result.Clarification == "" {
		result.Clarification = "I could not work out what to schedule. Could you rephrase with a date and time?"
	}
	result.Type = parse.ContentUnclear
	result.Event = nil
	result.Note = nil
	return result
}
