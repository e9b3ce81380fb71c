package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

// Root is the type of the synthetic event every scan's provenance tree hangs from.
const Root = "ROOT"

var (
	ErrEmptyType     = errors.New("event type is required")
	ErrEmptyData     = errors.New("event data is required")
	ErrMissingSource = errors.New("non-root event requires a source event")
	ErrScoreRange    = errors.New("score out of range [0,100]")
	ErrUnknownSource = errors.New("source event not in store")
	ErrDuplicateHash = errors.New("event hash already stored")
	ErrEventNotFound = errors.New("event not found")
)

// Event is the unit of discovered information flowing between modules. Everything
// but the false-positive flag is fixed at creation; the flag is atomic because
// operators flip it while the scan, its sink and correlation are reading.
type Event struct {
	Hash        string
	Type        string
	Data        string
	Module      string
	SourceHash  string
	Confidence  int
	Visibility  int
	Risk        int
	GeneratedAt time.Time

	Source *Event

	falsePositive atomic.Bool
}

// FalsePositive reports whether an operator flagged the event (or an ancestor).
func (e *Event) FalsePositive() bool { return e.falsePositive.Load() }

type wireEvent struct {
	Hash          string    `json:"hash"`
	Type          string    `json:"type"`
	Data          string    `json:"data"`
	Module        string    `json:"module"`
	SourceHash    string    `json:"source_hash,omitempty"`
	Confidence    int       `json:"confidence"`
	Visibility    int       `json:"visibility"`
	Risk          int       `json:"risk"`
	FalsePositive bool      `json:"false_positive"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Hash:          e.Hash,
		Type:          e.Type,
		Data:          e.Data,
		Module:        e.Module,
		SourceHash:    e.SourceHash,
		Confidence:    e.Confidence,
		Visibility:    e.Visibility,
		Risk:          e.Risk,
		FalsePositive: e.FalsePositive(),
		GeneratedAt:   e.GeneratedAt,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Hash, e.Type, e.Data, e.Module, e.SourceHash = w.Hash, w.Type, w.Data, w.Module, w.SourceHash
	e.Confidence, e.Visibility, e.Risk = w.Confidence, w.Visibility, w.Risk
	e.GeneratedAt = w.GeneratedAt
	e.falsePositive.Store(w.FalsePositive)
	return nil
}

// Option adjusts an event under construction.
type Option func(*Event)

// WithConfidence sets the confidence score (0-100).
func WithConfidence(v int) Option { return func(e *Event) { e.Confidence = v } }

// WithVisibility sets the visibility score (0-100).
func WithVisibility(v int) Option { return func(e *Event) { e.Visibility = v } }

// WithRisk sets the risk score (0-100).
func WithRisk(v int) Option { return func(e *Event) { e.Risk = v } }

// WithTime overrides the generation timestamp.
func WithTime(t time.Time) Option { return func(e *Event) { e.GeneratedAt = t } }

// New builds an immutable event. source may only be nil for ROOT events.
func New(typ, data, module string, source *Event, opts ...Option) (*Event, error) {
	if typ == "" {
		return nil, ErrEmptyType
	}
	if data == "" {
		return nil, ErrEmptyData
	}
	if source == nil && typ != Root {
		return nil, fmt.Errorf("%s from %s: %w", typ, module, ErrMissingSource)
	}
	e := &Event{
		Type:        typ,
		Data:        data,
		Module:      module,
		Source:      source,
		Confidence:  100,
		Visibility:  100,
		GeneratedAt: time.Now().UTC(),
	}
	for _, o := range opts {
		o(e)
	}
	for name, v := range map[string]int{"confidence": e.Confidence, "visibility": e.Visibility, "risk": e.Risk} {
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("%s %d: %w", name, v, ErrScoreRange)
		}
	}
	if source != nil {
		e.SourceHash = source.Hash
	}
	e.Hash = e.computeHash()
	return e, nil
}

// NewRoot returns the root event for a scan target.
func NewRoot(target string) *Event {
	e, _ := New(Root, target, "", nil)
	return e
}

func (e *Event) computeHash() string {
	h := sha256.New()
	for _, part := range []string{e.Type, e.Data, e.Module, e.SourceHash, strconv.FormatInt(e.GeneratedAt.UnixNano(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies the (type, data, module) tuple for deduplication.
func (e *Event) Fingerprint() string {
	h := murmur3.New128()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.Data))
	h.Write([]byte{0})
	h.Write([]byte(e.Module))
	return hex.EncodeToString(h.Sum(nil))
}

// Reparent returns a copy of e hanging from src instead of its current source. The
// copy gets a new hash; scores, timestamps and the flag are carried over.
func (e *Event) Reparent(src *Event) *Event {
	c := &Event{
		Type:        e.Type,
		Data:        e.Data,
		Module:      e.Module,
		Source:      src,
		SourceHash:  src.Hash,
		Confidence:  e.Confidence,
		Visibility:  e.Visibility,
		Risk:        e.Risk,
		GeneratedAt: e.GeneratedAt,
	}
	c.falsePositive.Store(e.FalsePositive())
	c.Hash = c.computeHash()
	return c
}

// IsRoot reports whether the event has no parent.
func (e *Event) IsRoot() bool { return e.Source == nil && e.SourceHash == "" }

// Lineage returns the ancestors of e, nearest first.
func (e *Event) Lineage() []*Event {
	var out []*Event
	for s := e.Source; s != nil; s = s.Source {
		out = append(out, s)
	}
	return out
}

// HasAncestor reports whether hash names a (transitive) source of e.
func (e *Event) HasAncestor(hash string) bool {
	for s := e.Source; s != nil; s = s.Source {
		if s.Hash == hash {
			return true
		}
	}
	return false
}

// NearestEntity returns the closest strict ancestor whose type is an entity type.
func (e *Event) NearestEntity() *Event {
	for s := e.Source; s != nil; s = s.Source {
		if IsEntityType(s.Type) {
			return s
		}
	}
	return nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s[%s] %q from %s", e.Type, shortHash(e.Hash), e.Data, e.Module)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
