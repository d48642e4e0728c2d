package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

// Connection-level failures clear up once the client reconnects; everything
// else nats reports (bad subject, payload too large) will not.
var classifyNATSError = resilience.Classifier(func(err error) (resilience.ErrorClassification, bool) {
	switch {
	case errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return resilience.Transient, true
	case errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrMaxPayload):
		return resilience.Rejected, true
	}
	return resilience.ErrorClassification{}, false
})
