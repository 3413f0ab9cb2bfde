// Package command routes inbound chat text to the bot's request handlers.
//
// A Router holds a fixed, ordered list of handlers and performs the first
// one whose Matches accepts the text. Handlers own no data: they act on the
// trigger registry and the image ingestor passed in through an Env.
package command

import (
	"context"
	"io"

	"github.com/entrhq/emocchi/pkg/logging"
	"github.com/entrhq/emocchi/pkg/metrics"
)

// Request is one inbound chat message.
type Request struct {
	MessageID string
	Community string
	Author    string
	Text      string
}

// Attachment is an image sent back to the chat.
type Attachment struct {
	Name string
	Data []byte
}

// Response is a text reply, an attachment, or both.
type Response struct {
	Text string
	File *Attachment
}

// Registry is the trigger registry as seen by handlers.
type Registry interface {
	Store(community, trigger, fileName string) (bool, error)
	Retrieve(community, trigger string) (string, bool)
	Remove(community, trigger string) (string, bool, error)
	ListTriggers(community string) []string
}

// Ingestor is the image pipeline as seen by handlers.
type Ingestor interface {
	Ingest(ctx context.Context, community, trigger, rawURL string) (string, error)
	Open(community, fileName string) (io.ReadCloser, error)
	Delete(community, fileName string) error
}

// Env carries the collaborators a handler performs against.
type Env struct {
	Registry Registry
	Ingestor Ingestor
	Metrics  *metrics.Observer
	Log      *logging.Logger

	triggers *keyedMutex
}

// Handler is one supported command shape.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// Matches reports whether text is a request for this handler.
	Matches(text string) bool

	// Perform executes the request. Failures are reported in the response
	// text; Perform never returns an error.
	Perform(ctx context.Context, env *Env, req Request) Response
}

// DefaultHandlers returns the bot's handlers in priority order.
func DefaultHandlers() []Handler {
	return []Handler{
		Recall{},
		Teach{},
		Forget{},
		List{},
	}
}

// NewEnv creates an Env for reg and ing. obs and log may be nil.
func NewEnv(reg Registry, ing Ingestor, obs *metrics.Observer, log *logging.Logger) *Env {
	return &Env{
		Registry: reg,
		Ingestor: ing,
		Metrics:  obs,
		Log:      log,
		triggers: newKeyedMutex(),
	}
}

// lockTrigger serializes handlers working on the same (community, trigger).
func (e *Env) lockTrigger(community, trigger string) (unlock func()) {
	if e.triggers == nil {
		return func() {}
	}
	return e.triggers.Lock(triggerKey(community, trigger))
}
