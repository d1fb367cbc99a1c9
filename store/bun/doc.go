// Package bunstore implements the task store using the Bun ORM with the
// PostgreSQL dialect. It shares its schema with store/postgres, so the two
// backends can be swapped on the same database.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it:
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
package bunstore
