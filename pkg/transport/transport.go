// Package transport moves protocol messages between daemons.
//
// Delivery is one-way and unacknowledged: a reply is a separate message.
// Loss, duplication and reordering are all possible and the state machines
// tolerate them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

var ErrUnknownSite = errors.New("unknown site")

// Sender delivers msg to the daemon of site to.
type Sender interface {
	Send(ctx context.Context, to protocol.SiteID, msg protocol.Message) error
}

// Resolver maps a site alias to its network address.
type Resolver interface {
	Address(site protocol.SiteID) (string, bool)
}

// HTTPTransport sends messages as POST /message to the resolved address.
type HTTPTransport struct {
	client   *HTTPClient
	resolver Resolver
	logger   *zap.Logger
}

func NewHTTPTransport(client *HTTPClient, resolver Resolver, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{client: client, resolver: resolver, logger: logger}
}

func (t *HTTPTransport) Send(ctx context.Context, to protocol.SiteID, msg protocol.Message) error {
	addr, ok := t.resolver.Address(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, to)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if err := t.client.SendMessage(ctx, addr, &msg); err != nil {
		t.logger.Debug("Message send failed",
			zap.String("to", string(to)),
			zap.String("type", string(msg.Type)),
			zap.String("txn", string(msg.TxnID)),
			zap.Error(err))
		return err
	}
	return nil
}
