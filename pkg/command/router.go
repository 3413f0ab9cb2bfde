package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/entrhq/emocchi/pkg/logging"
	"github.com/entrhq/emocchi/pkg/metrics"
)

const (
	defaultDedupSize = 1024
	defaultDedupTTL  = 10 * time.Minute
)

// RouterOptions configures a Router. Zero values fall back to defaults.
type RouterOptions struct {
	// Handlers overrides DefaultHandlers.
	Handlers []Handler

	// DedupSize bounds how many message IDs are remembered for redelivery detection.
	DedupSize int

	// DedupTTL is how long a dispatched message ID suppresses redeliveries.
	DedupTTL time.Duration

	Metrics *metrics.Observer
	Log     *logging.Logger
}

// Router dispatches inbound messages to the first matching handler. It is
// safe for concurrent use.
type Router struct {
	handlers []Handler
	env      *Env
	log      *logging.Logger

	dedupMu  sync.Mutex
	dedup    *lru.Cache[string, time.Time]
	dedupTTL time.Duration
	now      func() time.Time
}

// NewRouter creates a router performing against reg and ing.
func NewRouter(reg Registry, ing Ingestor, opts RouterOptions) (*Router, error) {
	if opts.Handlers == nil {
		opts.Handlers = DefaultHandlers()
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}

	dedup, err := lru.New[string, time.Time](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("command: message deduper init: %w", err)
	}

	return &Router{
		handlers: opts.Handlers,
		env:      NewEnv(reg, ing, opts.Metrics, opts.Log),
		log:      opts.Log,
		dedup:    dedup,
		dedupTTL: opts.DedupTTL,
		now:      time.Now,
	}, nil
}

// Match returns the first handler accepting text, or nil. Text is matched
// as received, so "!list" must be the whole message.
func (r *Router) Match(text string) Handler {
	for _, h := range r.handlers {
		if h.Matches(text) {
			return h
		}
	}
	return nil
}

// Dispatch performs the first handler matching req.Text. handled is false
// when no handler matches or the message ID was already dispatched; such
// messages are ignored, not errors.
func (r *Router) Dispatch(ctx context.Context, req Request) (resp Response, handled bool) {
	h := r.Match(req.Text)
	if h == nil {
		return Response{}, false
	}
	if r.isRedelivery(req.MessageID) {
		r.env.Metrics.RecordRedelivery()
		r.log.Debugf("dropping redelivered message %s", req.MessageID)
		return Response{}, false
	}

	start := time.Now()
	resp = r.perform(ctx, h, req)
	r.env.Metrics.RecordDispatch(h.Name(), time.Since(start))
	return resp, true
}

// perform runs h, turning a panic into a failure reply so one bad request
// cannot take down the dispatch loop.
func (r *Router) perform(ctx context.Context, h Handler, req Request) (resp Response) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("%s handler panicked on %q: %v", h.Name(), req.Text, p)
			resp = Response{Text: "Something went wrong, Master... :confused:"}
		}
	}()
	return h.Perform(ctx, r.env, req)
}

func (r *Router) isRedelivery(messageID string) bool {
	if messageID == "" {
		return false
	}

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	now := r.now()
	if ts, ok := r.dedup.Get(messageID); ok {
		if now.Sub(ts) <= r.dedupTTL {
			return true
		}
		r.dedup.Remove(messageID)
	}
	r.dedup.Add(messageID, now)
	return false
}
