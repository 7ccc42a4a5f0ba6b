package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	Rollbacks         Counter
	Reversals         Counter
	GridTrades        Counter
	HedgeOpens        Counter
	HedgeCloses       Counter
	FeedReconnects    Counter
	PersistenceErrors Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		Rollbacks:         n,
		Reversals:         n,
		GridTrades:        n,
		HedgeOpens:        n,
		HedgeCloses:       n,
		FeedReconnects:    n,
		PersistenceErrors: n,
	}
}

// OrNoop returns m, or a no-op set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
