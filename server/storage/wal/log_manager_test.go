package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

func TestFileLogManager(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileLogManager(dir)
	require.NoError(t, err)
	defer m.Close()

	t.Run("追加后需要刷盘", func(t *testing.T) {
		lsn, err := m.Append(recordFullPageImage, []byte("payload"))
		require.NoError(t, err)
		require.True(t, m.NeedsFlush(lsn))

		require.NoError(t, m.FlushUpTo(lsn))
		require.False(t, m.NeedsFlush(lsn))
		require.GreaterOrEqual(t, m.FlushedLSN(), lsn)
	})

	t.Run("InvalidLSN不需要刷", func(t *testing.T) {
		require.False(t, m.NeedsFlush(common.InvalidLSN))
	})

	t.Run("整页镜像推进LSN", func(t *testing.T) {
		before := m.CurrentLSN()
		page := make([]byte, common.PAGE_SIZE)
		lsn, err := m.LogFullPageImage(1, 2, 3, common.FORK_MAIN, 7, page)
		require.NoError(t, err)
		require.Greater(t, lsn, before)
	})

	t.Run("检查点位置落盘", func(t *testing.T) {
		lsn := m.CurrentLSN()
		require.NoError(t, m.FlushUpTo(lsn))
		require.NoError(t, m.WriteCheckpoint(lsn))
		got, err := m.LastCheckpoint()
		require.NoError(t, err)
		require.Equal(t, lsn, got)
	})
}

func TestFileLogManagerFreshDir(t *testing.T) {
	m, err := NewFileLogManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	ck, err := m.LastCheckpoint()
	require.NoError(t, err)
	require.Equal(t, common.InvalidLSN, ck)
	require.False(t, m.InRecovery())
	m.SetRecovery(true)
	require.True(t, m.InRecovery())
	m.SetRecovery(false)
}
