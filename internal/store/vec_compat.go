//go:build !(sqlite_vec && cgo)

package store

import (
	"database/sql/driver"
	"fmt"

	sqlite "modernc.org/sqlite"

	"novelloop/internal/embedding"
)

func init() {
	registerVecCompat()
}

// registerVecCompat installs vec_distance_cosine with the same name and
// semantics as the sqlite-vec function, so the match queries run unchanged
// on either driver.
func registerVecCompat() {
	if err := sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine); err != nil {
		panic(fmt.Sprintf("store: register vec_distance_cosine: %v", err))
	}
}

func vecDistanceCosine(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine expects 2 arguments")
	}
	a, err := decodeBlob(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeBlob(args[1])
	if err != nil {
		return nil, err
	}
	sim, err := embedding.CosineSimilarity(a, b)
	if err != nil {
		return nil, fmt.Errorf("vec_distance_cosine: %w", err)
	}
	return 1 - sim, nil
}

func decodeBlob(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return embedding.DecodeVector(x)
	case string:
		return embedding.DecodeVector([]byte(x))
	default:
		return nil, fmt.Errorf("vec_distance_cosine: unsupported type %T", v)
	}
}
