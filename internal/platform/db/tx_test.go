package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// stubTx implements pgx.Tx for context plumbing tests.
type stubTx struct {
	committed  bool
	rolledBack bool
}

func (s *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return s, nil }
func (s *stubTx) Commit(ctx context.Context) error          { s.committed = true; return nil }
func (s *stubTx) Rollback(ctx context.Context) error        { s.rolledBack = true; return nil }
func (s *stubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (s *stubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (s *stubTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (s *stubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (s *stubTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (s *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (s *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (s *stubTx) Conn() *pgx.Conn                                               { return nil }

func TestTxFromContext(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx from empty context, got %v", tx)
	}

	stub := &stubTx{}
	ctx := ContextWithTx(context.Background(), stub)
	if tx := TxFromContext(ctx); tx != pgx.Tx(stub) {
		t.Errorf("expected stub tx back from context, got %v", tx)
	}
}

func TestInTx_ReusesAmbientTransaction(t *testing.T) {
	stub := &stubTx{}
	ctx := ContextWithTx(context.Background(), stub)

	var seen pgx.Tx
	err := InTx(ctx, nil, func(innerCtx context.Context) error {
		seen = TxFromContext(innerCtx)
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}

	if seen != pgx.Tx(stub) {
		t.Error("expected fn to run inside the ambient transaction")
	}
	// The outer owner keeps control of the transaction lifecycle.
	if stub.committed {
		t.Error("InTx must not commit a transaction it did not begin")
	}
	if stub.rolledBack {
		t.Error("InTx must not roll back a transaction it did not begin")
	}
}

func TestFrom(t *testing.T) {
	stub := &stubTx{}
	ctx := ContextWithTx(context.Background(), stub)

	if q := From(ctx, nil); q != Querier(stub) {
		t.Error("expected From to return the ambient transaction")
	}

	q := From(context.Background(), nil)
	if _, ok := q.(*pgxpool.Pool); !ok {
		t.Errorf("expected From to fall back to the pool, got %T", q)
	}
}
