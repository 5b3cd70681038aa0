package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DMLC_ROLE", "")
	t.Setenv("BYTEPS_ENABLE_IPC", "")
	t.Setenv("BYTEPS_IPC_COPY_NUM_THREADS", "")
	t.Setenv("BYTEPS_PARTITION_BYTES", "")
	t.Setenv("BYTEPS_LOCAL_SIZE", "")

	c := FromEnv()
	if c.Role != RoleWorker {
		t.Errorf("default role = %q, want %q", c.Role, RoleWorker)
	}
	if c.IPCCopyThreads != 4 {
		t.Errorf("default IPCCopyThreads = %d, want 4", c.IPCCopyThreads)
	}
	if c.PartitionBytes != 4096000 {
		t.Errorf("default PartitionBytes = %d, want 4096000", c.PartitionBytes)
	}
	if c.LocalWorkerCount != 8 {
		t.Errorf("default LocalWorkerCount = %d, want 8", c.LocalWorkerCount)
	}
	if c.EnableIPC {
		t.Error("EnableIPC should default to false")
	}
	if !c.IPCAsyncCopy {
		t.Error("IPCAsyncCopy should default to true")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DMLC_ROLE", "server")
	t.Setenv("BYTEPS_ENABLE_IPC", "true")
	t.Setenv("BYTEPS_IPC_COPY_NUM_THREADS", "2")

	c := FromEnv()
	if c.Role != RoleServer {
		t.Errorf("role = %q, want server", c.Role)
	}
	if !c.EnableIPC {
		t.Error("EnableIPC should be true")
	}
	if c.IPCCopyThreads != 2 {
		t.Errorf("IPCCopyThreads = %d, want 2", c.IPCCopyThreads)
	}
}
