package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements the pgx.Rows methods the repos touch; the embedded
// interface covers the rest of the surface.
type rowsStub struct {
	pgx.Rows
	idx   int
	scans []func(dest ...any) error
	err   error
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Err() error             { return r.err }
func (r *rowsStub) Close()                 {}

// txStub implements the pgx.Tx methods CleanupService touches.
type txStub struct {
	pgx.Tx
	execTag    pgconn.CommandTag
	execErr    error
	commitErr  error
	execCount  int
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	t.execCount++
	return t.execTag, t.execErr
}
func (t *txStub) Commit(_ context.Context) error   { return t.commitErr }
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack = true; return nil }

// poolStub implements postgres.PgxPool for tests. It records every SQL text
// and argument list so assertions can inspect what the repo sent.
// Defined in a shared helper so multiple *_test.go files can reuse it without redefs.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     *rowsStub
	queryErr error
	tx       *txStub
	beginErr error
	gotSQL   []string
	gotArgs  [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{execTag: pgconn.NewCommandTag("DELETE 0")}
	}
	return p.tx, nil
}
