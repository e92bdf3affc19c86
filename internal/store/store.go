// Package store is the tenant-scoped document store the coordination engine runs on.
//
// Services only use the primitives defined here: Get, Set (optionally merging),
// Update, Query, BatchWrite and RunAtomic. Every Store value is bound to a
// single tenant; documents of other tenants are never visible through it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var ErrNotFound = errors.New("not found")

// Collection names.
const (
	WorkItems = "work_items"
	Messages  = "relay_messages"
	Programs  = "programs"
	Groups    = "groups"
	Events    = "events"
	Idempo    = "idempotency"
)

type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

// Filter compares a document field to a value. Field is a dotted JSON path
// relative to the document root, e.g. "sprint.parentId". A document missing
// the field never matches.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

// Write is one element of a BatchWrite.
type Write struct {
	Collection string
	ID         string
	Doc        any
	Merge      bool
}

// Reader is the read half of the store, available inside atomic sections.
type Reader interface {
	Get(ctx context.Context, collection, id string, dst any) error
	Query(ctx context.Context, q Query) ([]json.RawMessage, error)
}

// Tx is what an atomic section can do. All reads and writes through a Tx
// commit or roll back together.
type Tx interface {
	Reader
	Set(ctx context.Context, collection, id string, doc any, merge bool) error
	// Update merges fields into an existing document. A nil value removes the
	// field. Nested maps merge recursively.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

type Store interface {
	Tx
	BatchWrite(ctx context.Context, writes []Write) error
	// RunAtomic runs fn in one transaction. fn must only touch the store
	// through tx. Returning an error rolls back every write made through tx.
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

// Provider hands out tenant-scoped stores.
type Provider interface {
	Tenant(tenant string) Store
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field %q", field)
	}
	return "$." + field, nil
}

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}

// QueryAs runs q and decodes every document into T.
func QueryAs[T any](ctx context.Context, r Reader, q Query) ([]T, error) {
	raw, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, doc := range raw {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", q.Collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}
