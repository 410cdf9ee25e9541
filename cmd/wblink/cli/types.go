package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyValue is a KEY=VALUE pair given on the command line.
type KeyValue struct {
	Key   string
	Value string
}

// ParseKeyValue splits s at the first '='. The key must not be empty.
func ParseKeyValue(s string) (KeyValue, error) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return KeyValue{}, fmt.Errorf("invalid KEY=VALUE %q", s)
	}
	return KeyValue{Key: k, Value: strings.TrimSpace(v)}, nil
}

// Typed returns the value as an integer or a bool when it parses as
// one, otherwise as the string itself.
func (kv KeyValue) Typed() any {
	if n, err := strconv.ParseInt(kv.Value, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(kv.Value); err == nil {
		return b
	}
	return kv.Value
}

// Fields converts pairs into a field map. A repeated key keeps its
// last value.
func Fields(pairs []KeyValue) map[string]any {
	m := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		m[kv.Key] = kv.Typed()
	}
	return m
}
