// Package clusterconfig holds the configuration options accepted by a
// cluster router, loadable either by direct construction or from the
// process environment, matching the env-var conventions the teacher's
// utils package used for server configuration.
package clusterconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// TopologyFormat selects which CLUSTER command is used to discover the
// slot map.
type TopologyFormat int

const (
	// FormatClusterSlots uses CLUSTER SLOTS (the default).
	FormatClusterSlots TopologyFormat = iota
	// FormatClusterNodes uses CLUSTER NODES.
	FormatClusterNodes
)

// Options configures a cluster router. The zero value is not usable;
// build one with Default() or FromEnv() and override fields as needed.
type Options struct {
	// InitialNodes is the bootstrap "host:port[,host:port]..." list.
	InitialNodes []string

	ConnectTimeout time.Duration // 0 means unbounded
	CommandTimeout time.Duration // 0 means unbounded

	MaxRetry int // default 5

	Username string
	Password string

	TopologyFormat        TopologyFormat
	UseReplicas           bool
	BlockingInitialUpdate bool

	// RefreshThrottle is the minimum interval between two background
	// slot-map refresh attempts (spec.md's "throttle window").
	RefreshThrottle time.Duration
}

const (
	defaultMaxRetry        = 5
	defaultRefreshThrottle = time.Second
)

// Default returns Options with every field at its documented default.
func Default() Options {
	return Options{
		MaxRetry:        defaultMaxRetry,
		RefreshThrottle: defaultRefreshThrottle,
	}
}

// envPrefix namespaces every environment variable this package reads.
const envPrefix = "VKCLUSTER_"

// FromEnv builds Options from the process environment, falling back to
// Default() for anything unset. Recognized variables:
//
//	VKCLUSTER_NODES            comma-separated host:port list
//	VKCLUSTER_CONNECT_TIMEOUT  duration string, e.g. "500ms"
//	VKCLUSTER_COMMAND_TIMEOUT  duration string
//	VKCLUSTER_MAX_RETRY        integer
//	VKCLUSTER_USERNAME         string
//	VKCLUSTER_PASSWORD         string
//	VKCLUSTER_USE_CLUSTER_NODES bool ("1"/"true" to enable)
//	VKCLUSTER_USE_REPLICAS     bool
//	VKCLUSTER_BLOCKING_INITIAL_UPDATE bool
func FromEnv() Options {
	opt := Default()
	if v := getEnv("NODES", ""); v != "" {
		opt.InitialNodes = splitAndTrim(v)
	}
	if v := getEnv("CONNECT_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opt.ConnectTimeout = d
		}
	}
	if v := getEnv("COMMAND_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opt.CommandTimeout = d
		}
	}
	if v := getEnv("MAX_RETRY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opt.MaxRetry = n
		}
	}
	opt.Username = getEnv("USERNAME", opt.Username)
	opt.Password = getEnv("PASSWORD", opt.Password)
	if parseBool(getEnv("USE_CLUSTER_NODES", "")) {
		opt.TopologyFormat = FormatClusterNodes
	}
	opt.UseReplicas = parseBool(getEnv("USE_REPLICAS", ""))
	opt.BlockingInitialUpdate = parseBool(getEnv("BLOCKING_INITIAL_UPDATE", ""))
	return opt
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
	return err == nil && v
}
