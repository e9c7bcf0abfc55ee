package providers

import (
	"encoding/json"
	"io"
	"strings"
)

func mustJSON(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return out
}

func copyBounded(dst *strings.Builder, src io.Reader, limit int64) (int64, error) {
	return io.Copy(dst, io.LimitReader(src, limit))
}
