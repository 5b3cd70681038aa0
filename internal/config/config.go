// Package config reads the environment variables the transport core
// consults, the same way the teacher reads configuration: direct
// os.Getenv calls, no config framework.
package config

import (
	"os"
	"strconv"
)

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleServer    Role = "server"
)

// Config is the snapshot of environment-derived settings a Van needs at
// startup. Nothing here is re-read after Start.
type Config struct {
	Role     Role
	NodeHost string

	EnableLog bool

	EnableIPC        bool
	IPCCopyThreads   int
	IPCAsyncCopy     bool
	PartitionBytes   int64
	LocalWorkerCount int
}

// FromEnv builds a Config from the process environment, applying the
// documented defaults for anything unset.
func FromEnv() Config {
	return Config{
		Role:     Role(getenv("DMLC_ROLE", string(RoleWorker))),
		NodeHost: os.Getenv("DMLC_NODE_HOST"),

		EnableLog: getenvBool("ENABLE_RDMA_LOG", false),

		EnableIPC:        getenvBool("BYTEPS_ENABLE_IPC", false),
		IPCCopyThreads:   getenvInt("BYTEPS_IPC_COPY_NUM_THREADS", 4),
		IPCAsyncCopy:     getenvBool("BYTEPS_IPC_ENABLE_ASYNC_COPY", true),
		PartitionBytes:   getenvInt64("BYTEPS_PARTITION_BYTES", 4096000),
		LocalWorkerCount: getenvInt("BYTEPS_LOCAL_SIZE", 8),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
