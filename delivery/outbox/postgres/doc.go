// Package postgres provides the PostgreSQL-backed outbox store. It works
// against database/sql; open connections with the pgx stdlib driver.
package postgres
