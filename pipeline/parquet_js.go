//go:build js

package pipeline

import "errors"

func marshalIndexParquet([]IndexRow) ([]byte, error) {
	return nil, errors.New("parquet index is not available in js/wasm builds; use csv")
}
