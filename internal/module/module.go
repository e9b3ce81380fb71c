package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

// Wildcard in Watched means the module consumes every event type.
const Wildcard = "*"

// Flag is a behavioural hint declared by a module.
type Flag string

const (
	FlagSlow         Flag = "slow"
	FlagInteractive  Flag = "interactive"
	FlagHighPriority Flag = "high_priority"
	FlagLowPriority  Flag = "low_priority"
)

// Descriptor is the static capability declaration of a module.
type Descriptor struct {
	Name     string   `yaml:"name" json:"name"`
	Watched  []string `yaml:"watched" json:"watched"`
	Produced []string `yaml:"produced" json:"produced"`
	// Required, when set, narrows the hard inputs followed during pruning.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
	// Optional inputs are consumed but never pull their producers into a scan.
	Optional []string      `yaml:"optional,omitempty" json:"optional,omitempty"`
	Priority int           `yaml:"priority" json:"priority"`
	Flags    []Flag        `yaml:"flags,omitempty" json:"flags,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HasFlag reports whether f is declared.
func (d Descriptor) HasFlag(f Flag) bool {
	for _, x := range d.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// Watches reports whether the module consumes events of typ.
func (d Descriptor) Watches(typ string) bool {
	for _, w := range d.Watched {
		if w == typ || w == Wildcard {
			return true
		}
	}
	for _, w := range d.Optional {
		if w == typ {
			return true
		}
	}
	return false
}

// Produces reports whether the module may emit events of typ.
func (d Descriptor) Produces(typ string) bool {
	for _, p := range d.Produced {
		if p == typ {
			return true
		}
	}
	return false
}

// HardInputs are the types followed backwards when computing a minimal module set.
func (d Descriptor) HardInputs() []string {
	if len(d.Required) > 0 {
		return d.Required
	}
	opt := make(map[string]struct{}, len(d.Optional))
	for _, o := range d.Optional {
		opt[o] = struct{}{}
	}
	out := make([]string, 0, len(d.Watched))
	for _, w := range d.Watched {
		if _, soft := opt[w]; soft || w == Wildcard {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("module name is required")
	}
	if len(d.Watched) == 0 && len(d.Optional) == 0 {
		return fmt.Errorf("module %s: at least one watched event type is required", d.Name)
	}
	if d.HasFlag(FlagHighPriority) && d.HasFlag(FlagLowPriority) {
		return fmt.Errorf("module %s: high_priority and low_priority are exclusive", d.Name)
	}
	return nil
}

// Module is an execution unit. HandleEvent receives one event and returns the new
// events it discovered, each of which must use ev (or a descendant) as its source.
// Long-running handlers must honour ctx: it is cancelled on scan stop and timeout.
type Module interface {
	Descriptor() Descriptor
	HandleEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error)
}

// Starter is implemented by modules that need a setup step before the first event.
// Start is called in resolved execution order.
type Starter interface {
	Start(ctx context.Context) error
}

// Env is what a Factory receives when a scan instantiates a module.
type Env struct {
	Services Services
	Options  map[string]any
	Logger   *slog.Logger
}

// Factory builds a fresh module instance. It is called again when a module is
// restarted after a timeout.
type Factory func(env Env) (Module, error)

// -----------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the engine requeues the event for the module.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) was marked Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// PanicError is a recovered panic from a module handler or factory.
type PanicError struct {
	Module string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("module %s panicked: %v", e.Module, e.Value)
}
