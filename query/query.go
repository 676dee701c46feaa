// Package query turns a question into the agent's final answer.
//
// Information Hiding:
// - The event stream is consumed here; callers see only the answer text
// - Blank input short-circuits before any model call
package query

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/richinex/tally/agent"
	"github.com/richinex/tally/internal/logging"
)

// Streamer yields the events of one agent run.
type Streamer interface {
	Stream(ctx context.Context, input string) iter.Seq2[agent.Event, error]
}

// Facade answers queries with a shared Streamer. Safe for concurrent use if
// the Streamer is.
type Facade struct {
	streamer Streamer
	logger   *pterm.Logger
}

// New creates a Facade. A nil logger discards output.
func New(streamer Streamer, logger *pterm.Logger) *Facade {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Facade{streamer: streamer, logger: logger}
}

// Ask runs the agent on text and returns the text of the last event.
// Blank text returns ("", false, nil) without calling the agent. asked
// reports whether the agent ran; agent errors are returned unchanged.
func (f *Facade) Ask(ctx context.Context, text string) (answer string, asked bool, err error) {
	if strings.TrimSpace(text) == "" {
		return "", false, nil
	}

	start := time.Now()
	events := 0
	var last agent.Event
	for event, err := range f.streamer.Stream(ctx, text) {
		if err != nil {
			f.logger.Warn("query failed", f.logger.Args("error", logging.Mask(err.Error()), "events", events))
			return "", true, err
		}
		last = event
		events++
	}

	f.logger.Info("query answered", f.logger.Args(
		"events", events,
		"answer_chars", len(last.Text()),
		"duration", time.Since(start).Round(time.Millisecond).String(),
	))
	return last.Text(), true, nil
}
