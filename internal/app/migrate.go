package app

import (
	"context"
	"fmt"

	"docstore/internal/database"
	"docstore/internal/migrations"
)

// StoreStatus describes the schema state of one store.
type StoreStatus struct {
	Store    string
	Path     string
	Current  int
	Latest   int
	History  []migrations.Record
	Failures []migrations.Record
}

func (a *App) stores() []*database.Manager {
	return []*database.Manager{a.metadata, a.lockDB}
}

func (a *App) store(name string) (*database.Manager, error) {
	for _, db := range a.stores() {
		if db.Name() == name {
			return db, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q", name)
}

// MigrationStatus reports the schema version and ledger of every store.
func (a *App) MigrationStatus(ctx context.Context) ([]StoreStatus, error) {
	var out []StoreStatus
	for _, db := range a.stores() {
		e := db.Engine()
		st := StoreStatus{Store: db.Name(), Path: db.Path()}

		var err error
		if st.Current, err = e.CurrentVersion(ctx); err != nil {
			return nil, err
		}
		if ms := e.Migrations(); len(ms) > 0 {
			st.Latest = ms[len(ms)-1].Version()
		}
		if st.History, err = e.History(ctx); err != nil {
			return nil, err
		}
		if st.Failures, err = e.Failures(ctx); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Migrate applies pending migrations to every store. Opening a store already
// does this, so the results are usually empty.
func (a *App) Migrate(ctx context.Context) (map[string]*migrations.Result, error) {
	out := make(map[string]*migrations.Result)
	for _, db := range a.stores() {
		res, err := db.Engine().Migrate(ctx, migrations.Latest)
		if err != nil {
			return out, fmt.Errorf("migrating %s: %w", db.Name(), err)
		}
		out[db.Name()] = res
	}
	return out, nil
}

// Rollback reverts the named store's schema down to target. The next Open of
// the store migrates it forward again.
func (a *App) Rollback(ctx context.Context, store string, target int) (*migrations.Result, error) {
	db, err := a.store(store)
	if err != nil {
		return nil, err
	}
	res, err := db.Engine().Rollback(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("rolling back %s: %w", store, err)
	}
	a.logger.Warn("schema rolled back", "store", store, "target", target, "reverted", res.Applied)
	return res, nil
}
