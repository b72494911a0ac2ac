//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName is mattn/go-sqlite3 with the sqlite-vec extension, which
// provides vec_distance_cosine natively.
const driverName = "sqlite3"

func init() {
	// Register sqlite-vec as an auto-loadable extension for every connection.
	vec.Auto()
}
