package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/metrics"
)

var propagator = propagation.TraceContext{}

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes accepted events and correlation results to NATS:
// events on <prefix>.<scanID>.events, results on <prefix>.<scanID>.correlations.
type NATSPublisher struct {
	conn   MsgPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps conn. prefix defaults to "osintflow".
func NewNATSPublisher(conn MsgPublisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "osintflow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url and returns a publisher on the new connection.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("osintflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix, logger), nc, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

// Subject returns the subject a scan's events are published on.
func (p *NATSPublisher) Subject(scanID, kind string) string {
	return p.prefix + "." + scanID + "." + kind
}

// Notify publishes one event.
func (p *NATSPublisher) Notify(ctx context.Context, scanID string, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Hash, err)
	}
	hdr := nats.Header{}
	hdr.Set("x-scan-id", scanID)
	hdr.Set("x-event-hash", ev.Hash)
	hdr.Set("x-event-type", ev.Type)
	hdr.Set("x-module", ev.Module)
	return p.publish(ctx, p.Subject(scanID, "events"), data, hdr)
}

// NotifyResults publishes a scan's correlation results as one message.
func (p *NATSPublisher) NotifyResults(ctx context.Context, scanID string, results []correlation.Result) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal correlation results: %w", err)
	}
	hdr := nats.Header{}
	hdr.Set("x-scan-id", scanID)
	hdr.Set("x-result-count", strconv.Itoa(len(results)))
	if err := p.publish(ctx, p.Subject(scanID, "correlations"), data, hdr); err != nil {
		return err
	}
	p.logger.Info("published correlation results", "scan_id", scanID, "count", len(results))
	return nil
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, data []byte, hdr nats.Header) error {
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr}); err != nil {
		metrics.SinkPublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
