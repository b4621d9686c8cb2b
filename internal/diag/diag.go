package diag

import (
	"log/slog"
	"sort"
	"sync"
)

// Kind classifies a non-fatal data-quality finding.
type Kind string

const (
	// MalformedPolicyDocument: a statement is missing fields the analysis needs
	// (e.g. an Allow statement with neither Action nor NotAction).
	MalformedPolicyDocument Kind = "MalformedPolicyDocument"
	// UnresolvedAction: an action could not be found in the action taxonomy.
	UnresolvedAction Kind = "UnresolvedAction"
	// InsufficientData: a principal has no service-last-accessed data at all.
	InsufficientData Kind = "InsufficientData"
)

// Warning is a single data-quality finding accumulated during an analysis pass.
type Warning struct {
	Kind    Kind   `json:"kind"    yaml:"kind"`
	Subject string `json:"subject" yaml:"subject"`
	Message string `json:"message" yaml:"message"`
}

// Collector accumulates warnings. It is safe for concurrent use, and a nil
// *Collector discards everything.
type Collector struct {
	mu    sync.Mutex
	log   *slog.Logger
	seen  map[Warning]struct{}
	items []Warning
}

// NewCollector returns a Collector that also logs each new warning at debug level.
func NewCollector(log *slog.Logger) *Collector {
	return &Collector{
		log:  log,
		seen: make(map[Warning]struct{}),
	}
}

// Warn records a warning. Identical warnings are recorded once.
func (c *Collector) Warn(kind Kind, subject, message string) {
	if c == nil {
		return
	}
	w := Warning{Kind: kind, Subject: subject, Message: message}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[w]; ok {
		return
	}
	c.seen[w] = struct{}{}
	c.items = append(c.items, w)
	if c.log != nil {
		c.log.Debug("data-quality warning", "kind", kind, "subject", subject, "message", message)
	}
}

// Len returns the number of distinct warnings recorded so far.
func (c *Collector) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Warnings returns the accumulated warnings sorted by kind, subject and message.
func (c *Collector) Warnings() []Warning {
	if c == nil {
		return []Warning{}
	}
	c.mu.Lock()
	out := make([]Warning, len(c.items))
	copy(out, c.items)
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Message < out[j].Message
	})
	return out
}
