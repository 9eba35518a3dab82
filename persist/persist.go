// Package persist runs units of work inside a database transaction.
//
// Every write goes through Run (or its Do and Persist shapes): a context is
// acquired, a transaction begun, the unit executed, and the transaction
// committed on success or rolled back on any error or panic. The context is
// closed exactly once whatever happens, and the unit's error or panic reaches
// the caller unchanged.
package persist

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrContextClosed is returned by every call on a closed Context.
var ErrContextClosed = errors.New("persist: context closed")

// Transaction is the transaction of one Context.
type Transaction interface {
	Begin() error
	Commit() error
	Rollback() error
	IsActive() bool
}

// Context is a persistence context, valid for one unit of work and never
// shared between concurrent units.
type Context interface {
	Transaction() Transaction
	// Persist stores a new object.
	Persist(v any) error
	// Refresh reloads v from the store by primary key.
	Refresh(v any) error
	// Query exposes the handle bound to the running transaction.
	Query() *gorm.DB
	Close() error
}

// Factory hands out persistence contexts.
type Factory interface {
	Acquire(ctx context.Context) (Context, error)
}

// Run executes work in a fresh transaction and returns its result.
func Run[T any](ctx context.Context, f Factory, work func(Context) (T, error)) (result T, err error) {
	pc, err := f.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("persist: acquire: %w", err)
	}
	defer func() {
		// a close failure only surfaces when nothing else failed
		if cerr := pc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("persist: close: %w", cerr)
		}
	}()

	tx := pc.Transaction()
	if err = tx.Begin(); err != nil {
		return result, fmt.Errorf("persist: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			if tx.IsActive() {
				_ = tx.Rollback()
			}
			panic(r)
		}
	}()

	var zero T
	result, err = work(pc)
	if err != nil {
		if tx.IsActive() {
			_ = tx.Rollback()
		}
		return zero, err
	}
	if err = tx.Commit(); err != nil {
		if tx.IsActive() {
			_ = tx.Rollback()
		}
		return zero, fmt.Errorf("persist: commit: %w", err)
	}
	return result, nil
}

// Do is Run for units of work without a result.
func Do(ctx context.Context, f Factory, work func(Context) error) error {
	_, err := Run(ctx, f, func(pc Context) (struct{}, error) {
		return struct{}{}, work(pc)
	})
	return err
}

// Persist stores v in its own transaction.
func Persist(ctx context.Context, f Factory, v any) error {
	return Do(ctx, f, func(pc Context) error { return pc.Persist(v) })
}
