package rollup

import (
	"fmt"

	"github.com/axiomhq/hyperloglog"
)

// NewSketch returns an empty distinct-user sketch.
func NewSketch() *hyperloglog.Sketch {
	return hyperloglog.New14()
}

// DecodeSketch restores a sketch stored in a bucket. Empty input yields an
// empty sketch.
func DecodeSketch(data []byte) (*hyperloglog.Sketch, error) {
	sk := NewSketch()
	if len(data) == 0 {
		return sk, nil
	}
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("rollup: decode sketch: %w", err)
	}
	return sk, nil
}

// MergeInto folds the stored sketch data into dst.
func MergeInto(dst *hyperloglog.Sketch, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	src, err := DecodeSketch(data)
	if err != nil {
		return err
	}
	return dst.Merge(src)
}

func encodeSketch(sk *hyperloglog.Sketch) ([]byte, error) {
	data, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("rollup: encode sketch: %w", err)
	}
	return data, nil
}
