package daemon

import (
	"context"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
)

// HandleTransaction serves POST /transaction: the request is run with this
// site as coordinator. An aborted transaction is a normal response.
func (d *Daemon) HandleTransaction(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	txn, outcome, err := d.Submit(ctx, req.Operations, req.Participants)
	if err != nil {
		return &protocol.TransactionResponse{TransactionID: txn}, err
	}

	return &protocol.TransactionResponse{
		TransactionID: txn,
		Outcome:       outcome,
		Success:       outcome == protocol.OutcomeCommitted,
	}, nil
}

// TransactionList serves GET /transactions.
func (d *Daemon) TransactionList() *protocol.TransactionListResponse {
	return &protocol.TransactionListResponse{
		Site:         d.site,
		Transactions: d.Transactions(),
	}
}

// Serve attaches the daemon to server's message and transaction endpoints.
func (d *Daemon) Serve(server *transport.HTTPServer) {
	server.SetMessageHandler(d.Deliver)
	server.SetTransactionHandler(d.HandleTransaction)
	server.SetTransactionsHandler(d.TransactionList)
	if d.metrics != nil {
		server.SetMetricsHandler(d.metrics.Handler())
	}
}
