// Package domain holds the value types of the ingestion pipeline: import
// batches and their lifecycle statuses, staged rows, the v1 normalized
// payload contract and the batch report.
//
// The package imports nothing from internal/. Repository, worker and
// normalizer code all speak in these types, and none of them carries a
// *sql.DB, a context or an HTTP request.
package domain
