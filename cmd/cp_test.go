package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-remote/pkg/transfer"
)

func TestCpOptions_Complete(t *testing.T) {
	o := &CpOptions{}
	require.NoError(t, o.Complete([]string{"a.txt", "b.txt", "root@web:/tmp"}))
	assert.Equal(t, transfer.Upload, o.direction)
	assert.Equal(t, "web", o.Host)
	assert.Equal(t, "root", o.User)
	assert.Equal(t, "/tmp", o.dest)
	require.Len(t, o.sources, 2)
	assert.True(t, filepath.IsAbs(o.sources[0]))

	o = &CpOptions{}
	require.NoError(t, o.Complete([]string{"web:/var/log/syslog", "logs"}))
	assert.Equal(t, transfer.Download, o.direction)
	assert.Equal(t, []string{"/var/log/syslog"}, o.sources)
	assert.True(t, filepath.IsAbs(o.dest))
}

func TestCpOptions_CompleteRejectsMixedSides(t *testing.T) {
	assert.Error(t, (&CpOptions{}).Complete([]string{"a.txt", "b.txt"}))
	assert.Error(t, (&CpOptions{}).Complete([]string{"web:/a", "db:/b"}))
	assert.Error(t, (&CpOptions{}).Complete([]string{"web:/a", "local", "db:/c"}))
	assert.Error(t, (&CpOptions{}).Complete([]string{"web:/a", "db:/b", "./out"}))
}
