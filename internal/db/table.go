package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/huandu/go-sqlbuilder"
)

// Record is implemented by every mirrored entity
type Record interface {
	ExternalID() int64
	LocalID() int64
}

// Table stores one entity kind, addressed by its GitHub id. Every method is
// a single statement (or a statement and its read-back) and commits on its
// own.
type Table[T any, P interface {
	*T
	Record
}] struct {
	db     *DB
	name   string
	all    *sqlbuilder.Struct
	insert *sqlbuilder.Struct
	update *sqlbuilder.Struct
}

func newTable[T any, P interface {
	*T
	Record
}](db *DB, name string) *Table[T, P] {
	s := sqlbuilder.NewStruct(new(T)).For(db.flavor)
	return &Table[T, P]{
		db:     db,
		name:   name,
		all:    s,
		insert: s.WithoutTag("pk"),
		update: s.WithoutTag("pk", "key"),
	}
}

// Name returns the table name
func (t *Table[T, P]) Name() string {
	return t.name
}

// FindByGitHubID returns the record with the given GitHub id, or nil if
// there is none
func (t *Table[T, P]) FindByGitHubID(ctx context.Context, githubID int64) (P, error) {
	sb := t.all.SelectFrom(t.name)
	sb.Where(sb.Equal("github_id", githubID))
	return t.get(ctx, "find "+t.name, sb)
}

// FindByID returns the record with the given local id, or nil if there is none
func (t *Table[T, P]) FindByID(ctx context.Context, id int64) (P, error) {
	sb := t.all.SelectFrom(t.name)
	sb.Where(sb.Equal("id", id))
	return t.get(ctx, "get "+t.name, sb)
}

// Create inserts rec and fills in its local id. A record whose GitHub id
// already exists fails with a duplicate StoreError.
func (t *Table[T, P]) Create(ctx context.Context, rec P) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	op := "create " + t.name
	query, args := t.insert.InsertInto(t.name, rec).Build()
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return t.db.wrapError(ctx, op, err)
	}

	// Read back the row to pick up the generated id
	sb := t.all.SelectFrom(t.name)
	sb.Where(sb.Equal("github_id", rec.ExternalID()))
	query, args = sb.Build()
	if err := t.db.GetContext(ctx, rec, query, args...); err != nil {
		return t.db.wrapError(ctx, op, err)
	}
	return nil
}

// Update overwrites every mutable column of the record with rec's local id.
// The GitHub id and local id are never written.
func (t *Table[T, P]) Update(ctx context.Context, rec P) error {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	ub := t.update.Update(t.name, rec)
	ub.Where(ub.Equal("id", rec.LocalID()))
	query, args := ub.Build()

	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return t.db.wrapError(ctx, "update "+t.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StoreError{Op: "update " + t.name, Kind: KindInternal, Err: sql.ErrNoRows}
	}
	return nil
}

// Count returns the number of rows in the table
func (t *Table[T, P]) Count(ctx context.Context) (int, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	sb := t.db.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From(t.name)
	query, args := sb.Build()

	var n int
	if err := t.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, t.db.wrapError(ctx, "count "+t.name, err)
	}
	return n, nil
}

// list runs a select over the table; build adds the conditions and ordering
func (t *Table[T, P]) list(ctx context.Context, op string, build func(sb *sqlbuilder.SelectBuilder)) ([]T, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	sb := t.all.SelectFrom(t.name)
	build(sb)
	query, args := sb.Build()

	records := []T{}
	if err := t.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, t.db.wrapError(ctx, op, err)
	}
	return records, nil
}

func (t *Table[T, P]) get(ctx context.Context, op string, sb *sqlbuilder.SelectBuilder) (P, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	query, args := sb.Build()
	var rec T
	err := t.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.db.wrapError(ctx, op, err)
	}
	return P(&rec), nil
}
