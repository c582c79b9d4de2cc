// Package postgres provides a PostgreSQL-backed store for dagrun using
// pgx/v5 with pgxpool connection pooling. Runs and checkpoints are
// stored as JSONB documents alongside extracted columns used for
// filtering and sorting.
//
// For a bun ORM rendition of the same schema see store/bun; the two
// backends are interchangeable against the same database.
package postgres
