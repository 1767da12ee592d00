package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, root, name string, ts int64) {
	t.Helper()
	dir := filepath.Join(root, environmentsDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name+"-"+itoa(ts)+".tar")
	require.NoError(t, os.WriteFile(path, []byte("tar"), 0644))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestResolvePicksNewestTimestamp(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "default", 100)
	writeArtifact(t, root, "default", 200)
	writeArtifact(t, root, "other", 999)

	reg := New(root, nil)
	artifact, err := reg.Resolve("default")
	require.NoError(t, err)
	require.Equal(t, int64(200), artifact.Timestamp)
}

func TestResolveMissingEnvironment(t *testing.T) {
	reg := New(t.TempDir(), nil)
	_, err := reg.Resolve("nope")
	require.Error(t, err)
}

func TestListCollapsesToLatestPerName(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "alpha", 1)
	writeArtifact(t, root, "alpha", 2)
	writeArtifact(t, root, "beta", 5)

	reg := New(root, nil)
	artifacts, err := reg.List()
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	byName := map[string]Artifact{}
	for _, a := range artifacts {
		byName[a.Name] = a
	}
	require.Equal(t, int64(2), byName["alpha"].Timestamp)
	require.Equal(t, int64(5), byName["beta"].Timestamp)
}

func TestPruneRemovesOlderArtifactsForSameName(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "alpha", 1)
	writeArtifact(t, root, "alpha", 2)

	reg := New(root, nil)
	keep := filepath.Join(root, environmentsDir, "alpha-2.tar")
	reg.prune("alpha", keep)

	entries, err := os.ReadDir(filepath.Join(root, environmentsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "alpha-2.tar", entries[0].Name())
}

func TestPruneRemovesMetadataSidecarAlongsideArtifact(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "alpha", 1)
	stalePath := filepath.Join(root, environmentsDir, "alpha-1.tar")
	require.NoError(t, writeArtifactMetadata(stalePath, artifactMetadata{Name: "alpha", Timestamp: 1, SourceImage: "env/alpha:base"}))
	writeArtifact(t, root, "alpha", 2)

	reg := New(root, nil)
	reg.prune("alpha", filepath.Join(root, environmentsDir, "alpha-2.tar"))

	_, err := os.Stat(metadataPath(stalePath))
	require.True(t, os.IsNotExist(err))
}

func TestResolveReadsSourceImageFromMetadataSidecar(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "default", 100)
	path := filepath.Join(root, environmentsDir, "default-100.tar")
	require.NoError(t, writeArtifactMetadata(path, artifactMetadata{Name: "default", Timestamp: 100, SourceImage: "env/default:base"}))

	reg := New(root, nil)
	artifact, err := reg.Resolve("default")
	require.NoError(t, err)
	require.Equal(t, "env/default:base", artifact.SourceImage)
}

func TestResolveToleratesMissingMetadataSidecar(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "default", 100)

	reg := New(root, nil)
	artifact, err := reg.Resolve("default")
	require.NoError(t, err)
	require.Empty(t, artifact.SourceImage)
}
