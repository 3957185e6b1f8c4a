package rethink

import (
	"sort"
	"time"
)

// ConnectOptions configures a new Connection.
type ConnectOptions struct {
	Host     string
	Port     int
	Database string
	AuthKey  string
	Timeout  time.Duration
}

func (options ConnectOptions) withDefaults() ConnectOptions {
	if options.Host == "" {
		options.Host = "localhost"
	}
	if options.Port == 0 {
		options.Port = 28015
	}
	if options.Timeout == 0 {
		options.Timeout = 20 * time.Second
	}
	return options
}

// RunOptions is the global option map forwarded with a query. Keys not
// recognized by the server contract are rejected before anything is sent.
type RunOptions map[string]interface{}

var recognizedRunOptions = map[string]bool{
	"db":             true,
	"noreply":        true,
	"use_outdated":   true,
	"durability":     true,
	"profile":        true,
	"time_format":    true,
	"group_format":   true,
	"binary_format":  true,
	"array_limit":    true,
	"min_batch_rows": true,
	"max_batch_rows": true,
}

func (options RunOptions) validate() error {
	unrecognized := make([]string, 0, 1)
	for key := range options {
		if !recognizedRunOptions[key] {
			unrecognized = append(unrecognized, key)
		}
	}
	if len(unrecognized) == 0 {
		return nil
	}
	sort.Strings(unrecognized)
	return NewDriverError(InvalidArgumentError, "Unrecognized global optional argument `%s`.", unrecognized[0])
}

func (options RunOptions) noReply() bool {
	noreply, ok := options["noreply"].(bool)
	return ok && noreply
}

// CloseOptions controls Close and Reconnect draining. When omitted, the
// equivalent of NoreplyWait runs before the transport shuts down.
type CloseOptions struct {
	NoreplyWait bool
}

func closeOptionsFrom(options []CloseOptions) CloseOptions {
	if len(options) > 0 {
		return options[0]
	}
	return CloseOptions{NoreplyWait: true}
}
