package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xcp.yaml")
	contents := "transport: tcp\nbind_addr: 127.0.0.1\nport: 6000\nqueue_size_bytes: 128KB\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "tcp", cfg.Transport)
	require.Equal(t, 6000, cfg.Port)
	require.Equal(t, 128*datasize.KB, cfg.QueueSizeBytes)
	require.NotZero(t, cfg.SegmentSize, "expected SegmentSize to keep its default")
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := Default()
	cfg.Transport = "quic"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestAddrFormatting(t *testing.T) {
	cfg := Default()
	cfg.BindAddr = "127.0.0.1"
	cfg.Port = 5555
	require.Equal(t, "127.0.0.1:5555", cfg.Addr())
}
