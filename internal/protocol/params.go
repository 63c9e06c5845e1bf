package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// FlattenParams serializes a key/value map into a Setup payload: each key
// and each value is followed by a NUL byte, pairs ordered by key.
func FlattenParams(params map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "" || strings.IndexByte(k, 0) >= 0 {
			return nil, fmt.Errorf("invalid setup parameter key %q", k)
		}
		if strings.IndexByte(params[k], 0) >= 0 {
			return nil, fmt.Errorf("setup parameter %q contains a NUL byte", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(params[k])
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// ParseParams is the inverse of FlattenParams.
func ParseParams(buf []byte) (map[string]string, error) {
	params := make(map[string]string)
	if len(buf) == 0 {
		return params, nil
	}
	if buf[len(buf)-1] != 0 {
		return nil, fmt.Errorf("%w: setup parameters not NUL-terminated", ErrMalformed)
	}

	fields := bytes.Split(buf[:len(buf)-1], []byte{0})
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: setup parameters have a key without a value", ErrMalformed)
	}
	for i := 0; i < len(fields); i += 2 {
		if len(fields[i]) == 0 {
			return nil, fmt.Errorf("%w: empty setup parameter key", ErrMalformed)
		}
		params[string(fields[i])] = string(fields[i+1])
	}
	return params, nil
}
