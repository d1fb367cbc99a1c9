// Package postgres implements the task store using pgx/v5 with raw SQL.
// Claims use UPDATE ... FOR UPDATE SKIP LOCKED with the database clock
// (NOW()) as the only time source; the schema ships as embedded SQL
// migrations.
package postgres
