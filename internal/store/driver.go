//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// driverName is the pure-Go modernc driver. Cosine distance comes from the
// scalar function registered in vec_compat.go.
const driverName = "sqlite"
