package domain

import "context"

// BrokerGateway is the broker execution gateway: live positions, working
// orders and order submission.
type BrokerGateway interface {
	Positions(ctx context.Context) ([]BrokerPosition, error)
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
	// SubmitMarketOrder sends exactly one order. Rejections are reported as
	// errors wrapping ErrOrderRejected; any other error leaves the outcome
	// unknown.
	SubmitMarketOrder(ctx context.Context, req MarketOrderRequest) (BrokerOrder, error)
	Order(ctx context.Context, orderID string) (BrokerOrder, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (BrokerOrder, error)
}

// ExecutionSource streams broker executions as they happen.
type ExecutionSource interface {
	Executions(ctx context.Context) (<-chan Execution, error)
}
