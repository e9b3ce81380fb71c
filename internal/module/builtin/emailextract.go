package builtin

import (
	"context"
	"regexp"
	"strings"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

var emailExtractDescriptor = module.Descriptor{
	Name:     "email_extract",
	Watched:  []string{event.TypeWebContent},
	Produced: []string{event.TypeEmailAddr},
	Priority: 3,
}

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// emailExtract scrapes e-mail addresses out of fetched content.
type emailExtract struct{}

func newEmailExtract(module.Env) (module.Module, error) { return emailExtract{}, nil }

func (emailExtract) Descriptor() module.Descriptor { return emailExtractDescriptor }

func (emailExtract) HandleEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error) {
	seen := make(map[string]struct{})
	var out []*event.Event
	for _, m := range emailRe.FindAllString(ev.Data, -1) {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		addr := strings.ToLower(strings.TrimRight(m, "."))
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		e, err := event.New(event.TypeEmailAddr, addr, emailExtractDescriptor.Name, ev)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
