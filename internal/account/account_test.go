package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSource struct {
	positions []Position
	err       error
	calls     int
}

func (f *fakeSource) Positions(ctx context.Context) ([]Position, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

func TestReconcileNetsLegs(t *testing.T) {
	src := &fakeSource{positions: []Position{
		{InstID: "ETH-USDT-SWAP", Size: 5, MarginRatio: 20},
		{InstID: "ETH-USDT-SWAP", Size: -2, MarginRatio: 35},
		{InstID: "BTC-USDT-SWAP", Size: -1},
	}}
	acct := New(src, zap.NewNop())
	if _, ok := acct.Position("ETH-USDT-SWAP"); ok {
		t.Fatalf("expected no snapshot before first refresh")
	}
	state, err := acct.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	eth := state.Positions["ETH-USDT-SWAP"]
	if eth.Size != 3 || eth.MarginRatio != 35 {
		t.Fatalf("unexpected eth position %+v", eth)
	}
	pos, ok := acct.Position("XRP-USDT-SWAP")
	if !ok || pos.Size != 0 {
		t.Fatalf("expected flat unknown instrument, got %+v ok=%v", pos, ok)
	}
}

func TestReconcileFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{positions: []Position{{InstID: "BTC-USDT-SWAP", Size: 2}}}
	acct := New(src, zap.NewNop())
	if _, err := acct.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	src.err = errors.New("timeout")
	if _, err := acct.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	pos, ok := acct.Position("BTC-USDT-SWAP")
	if !ok || pos.Size != 2 {
		t.Fatalf("expected previous snapshot, got %+v", pos)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	acct := New(src, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		acct.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if acct.Snapshot().UpdatedAt.IsZero() {
		t.Fatalf("expected at least one refresh")
	}
}

func TestOnRefreshReceivesSnapshot(t *testing.T) {
	src := &fakeSource{positions: []Position{{InstID: "XRP-USDT-SWAP", Size: 12}}}
	acct := New(src, zap.NewNop())
	var got []State
	acct.OnRefresh(func(s State) { got = append(got, s) })
	if _, err := acct.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	src.err = errors.New("timeout")
	_, _ = acct.Reconcile(context.Background())
	if len(got) != 1 || got[0].Positions["XRP-USDT-SWAP"].Size != 12 {
		t.Fatalf("expected one observed snapshot, got %+v", got)
	}
}
