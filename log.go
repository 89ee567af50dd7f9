package fiberio

import "go.uber.org/zap"

// NewDevelopmentLogger is a convenience wrapper around zap's development
// config, for callers (cmd/fiberio-echo, tests) that want readable console
// output instead of the library default (zap.NewNop()).
func NewDevelopmentLogger() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
