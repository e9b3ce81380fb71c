package builtin

import (
	"context"
	"errors"
	"strconv"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

var webFetchDescriptor = module.Descriptor{
	Name:     "web_fetch",
	Watched:  []string{event.TypeInternetName},
	Produced: []string{event.TypeWebContent, event.TypeHTTPCode, event.TypeWebServerBanner},
	Priority: 2,
	Flags:    []module.Flag{module.FlagSlow},
}

// webFetch retrieves the front page of every host name.
type webFetch struct {
	http   module.Fetcher
	scheme string
}

func newWebFetch(env module.Env) (module.Module, error) {
	if env.Services.HTTP == nil {
		return nil, errors.New("web_fetch: no HTTP fetcher injected")
	}
	return &webFetch{http: env.Services.HTTP, scheme: stringOption(env.Options, "scheme", "https")}, nil
}

func (m *webFetch) Descriptor() module.Descriptor { return webFetchDescriptor }

func (m *webFetch) HandleEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error) {
	resp, err := m.http.Fetch(ctx, m.scheme+"://"+ev.Data+"/")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, module.Retryable(err)
	}

	var out []*event.Event
	emit := func(typ, data string) error {
		if data == "" {
			return nil
		}
		e, err := event.New(typ, data, webFetchDescriptor.Name, ev)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}
	if err := emit(event.TypeHTTPCode, strconv.Itoa(resp.StatusCode)); err != nil {
		return out, err
	}
	if err := emit(event.TypeWebServerBanner, resp.Header.Get("Server")); err != nil {
		return out, err
	}
	if err := emit(event.TypeWebContent, string(resp.Body)); err != nil {
		return out, err
	}
	return out, nil
}
