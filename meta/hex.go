package meta

import (
	"encoding/hex"
	"fmt"
)

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("meta: invalid hex id %q: %w", s, err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("meta: id %q has wrong length %d", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
