package nodes

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Param helpers used by all executor files. Values come from JSON documents
// or from other executors, so numbers may arrive as float64, int or strings.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	out, err := cast.ToStringMapE(v)
	if err != nil {
		return nil
	}
	return out
}

// durationParam accepts a Go duration string ("1.5s") or a number of milliseconds.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return defaultVal
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	ms, err := cast.ToFloat64E(v)
	if err != nil || ms < 0 {
		return defaultVal
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Settings are the per-node execution options every node type accepts in
// its data, independent of its executor.
type Settings struct {
	Disabled         bool
	RetryOnFail      bool
	MaxTries         int
	WaitBetweenTries time.Duration
	Timeout          time.Duration
	ContinueOnFail   bool
}

const (
	defaultMaxTries         = 3
	maxMaxTries             = 5
	defaultWaitBetweenTries = time.Second
	maxWaitBetweenTries     = 5 * time.Second
)

// ParseSettings reads the execution options from node data.
// waitBetweenTries is in milliseconds, timeout is a duration string or milliseconds.
func ParseSettings(data map[string]any) Settings {
	s := Settings{
		Disabled:         boolParam(data, "disabled", false),
		RetryOnFail:      boolParam(data, "retryOnFail", false),
		MaxTries:         intParam(data, "maxTries", defaultMaxTries),
		WaitBetweenTries: durationParam(data, "waitBetweenTries", defaultWaitBetweenTries),
		Timeout:          durationParam(data, "timeout", 0),
		ContinueOnFail:   boolParam(data, "continueOnFail", false),
	}
	if s.MaxTries < 1 {
		s.MaxTries = 1
	}
	if s.MaxTries > maxMaxTries {
		s.MaxTries = maxMaxTries
	}
	if s.WaitBetweenTries > maxWaitBetweenTries {
		s.WaitBetweenTries = maxWaitBetweenTries
	}
	if !s.RetryOnFail {
		s.MaxTries = 1
	}
	return s
}
