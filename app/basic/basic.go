package basic

import (
	"go.uber.org/zap"
)

const loggerName = "basic_instance"

// defaultLogger discards everything until WithLogger is called.
var defaultLogger = zap.NewNop().Sugar()

// Must panics if err is non-nil. It is meant for tests and tools, where a failed exchange ends the run.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

// Must2 returns v, or panics if err is non-nil.
func Must2[V any](v V, err error) V {
	Must(err)
	return v
}
