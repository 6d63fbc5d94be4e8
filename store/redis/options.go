package redis

import (
	internalredis "github.com/BranchIntl/goresque/internal/redis"
)

// Options for the redigo-backed store
type Options struct {
	internalredis.Options

	// Namespace is the key prefix applied to every key
	Namespace string
}

// DefaultOptions returns default store options
func DefaultOptions() Options {
	return Options{
		Options:   internalredis.DefaultOptions(),
		Namespace: "resque:",
	}
}
