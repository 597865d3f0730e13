package triage

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mail-triage/internal/ai"
)

// awaitingSnippetLimit bounds how much of an outgoing body is sent to the
// model on the slow path.
const awaitingSnippetLimit = 500

// Detector decides whether an outgoing email should be tracked as
// awaiting a reply.
type Detector struct {
	llm ai.LanguageModel
	log *zap.Logger
}

// NewDetector creates an awaiting-reply detector.
func NewDetector(llm ai.LanguageModel, log *zap.Logger) *Detector {
	return &Detector{llm: llm, log: log}
}

// ShouldTrack reports whether the body reads like it expects a reply.
// A literal question mark answers immediately without a model call.
// Otherwise a truncated prefix is put to the model as a yes/no question;
// any model failure yields false, so sending is never blocked on this
// signal.
func (d *Detector) ShouldTrack(ctx context.Context, body string) bool {
	if strings.Contains(body, "?") {
		return true
	}
	if d.llm == nil {
		return false
	}

	snippet := body
	if len(snippet) > awaitingSnippetLimit {
		snippet = snippet[:awaitingSnippetLimit]
	}

	prompt := "Does the following email expect a reply from the recipient? " +
		"Answer only yes or no.\n\n" + snippet

	reply, err := d.llm.Generate(ctx, prompt)
	if err != nil {
		d.log.Warn("awaiting-reply check failed, defaulting to not tracked",
			zap.Error(err))
		return false
	}

	return strings.Contains(strings.ToLower(reply), "yes")
}
