package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

const defaultQueueGroup = "workers"

// DeliveryObserver is told how long each event waited on the bus.
type DeliveryObserver interface {
	ObserveEventLag(event string, lag time.Duration)
}

// Bus carries pipeline events as structured CloudEvents over NATS. Each
// event name maps to its own subject under Prefix.
type Bus struct {
	conn        *nats.Conn
	prefix      string
	source      string
	executor    *resilience.Executor
	queueGroup  string
	concurrency int
	logger      *slog.Logger
	observer    DeliveryObserver
}

type Options struct {
	Prefix               string
	Source               string
	QueueGroup           string
	Concurrency          int
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
	Observer             DeliveryObserver
}

func New(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("quote-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newBus(conn, options, logger), nil
}

func newBus(conn *nats.Conn, options Options, logger *slog.Logger) *Bus {
	prefix := strings.Trim(strings.TrimSpace(options.Prefix), ".")
	if prefix == "" {
		prefix = "quotes"
	}
	source := strings.TrimSpace(options.Source)
	if source == "" {
		source = "quote-pipeline"
	}
	group := strings.TrimSpace(options.QueueGroup)
	if group == "" {
		group = defaultQueueGroup
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Bus{
		conn:        conn,
		prefix:      prefix,
		source:      source,
		executor:    options.ResilienceExecutor,
		queueGroup:  group,
		concurrency: concurrency,
		logger:      logger,
		observer:    options.Observer,
	}
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Subject returns the NATS subject an event name is published on.
func (b *Bus) Subject(eventName string) string {
	return b.prefix + "." + strings.ReplaceAll(strings.Trim(eventName, "/"), "/", ".")
}

func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	raw, err := encodeEvent(event, b.source)
	if err != nil {
		return err
	}
	subject := b.Subject(event.Name)

	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, raw); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return resilience.WrapTemporary("nats publish", err, classifyNATSError)
	}
	b.logger.Debug("event_published", "event", event.Name, "event_id", event.ID, "subject", subject)
	return nil
}

// Subscribe consumes every pipeline subject in the shared queue group and
// runs handler on at most Concurrency events at a time. It returns once ctx
// is done and in-flight handlers have finished.
func (b *Bus) Subscribe(ctx context.Context, handler func(context.Context, domain.Event) error) error {
	var group errgroup.Group
	group.SetLimit(b.concurrency)

	sub, err := b.conn.QueueSubscribe(b.prefix+".>", b.queueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Error("event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		if b.observer != nil && !event.Time.IsZero() {
			b.observer.ObserveEventLag(event.Name, time.Since(event.Time))
		}

		// Go blocks once the limit is reached, which holds back delivery.
		group.Go(func() error {
			if err := handler(ctx, event); err != nil {
				b.logger.Error("event_handler_failed",
					"event", event.Name,
					"event_id", event.ID,
					"error", err,
				)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	drainErr := sub.Drain()
	_ = group.Wait()
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeEvent(event domain.Event, source string) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(event.ID)
	ce.SetSource(source)
	ce.SetType(event.Name)
	at := event.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ce.SetTime(at)
	if err := ce.SetData(cloudevents.ApplicationJSON, []byte(event.Data)); err != nil {
		return nil, fmt.Errorf("set cloudevent data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode event", err)
	}
	raw, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("marshal cloudevent: %w", err)
	}
	return raw, nil
}

func decodeEvent(raw []byte) (domain.Event, error) {
	ce := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &ce); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal cloudevent: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return domain.Event{}, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return domain.Event{
		ID:   ce.ID(),
		Name: ce.Type(),
		Data: json.RawMessage(ce.Data()),
		Time: ce.Time(),
	}, nil
}
