package app

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoader []byte

func (l staticLoader) Load(_ *url.URL) ([]byte, error) {
	return l, nil
}

func TestLoadFile_Local(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, []byte("cert"), 0o600))

	b, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cert", string(b))

	b, err = LoadFile("file://" + path)
	require.NoError(t, err)
	assert.Equal(t, "cert", string(b))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestLoadFile_RegisteredScheme(t *testing.T) {
	RegisterFileLoaderCtor("static", func() (FileLoader, error) {
		return staticLoader("static"), nil
	})

	b, err := LoadFile("static://anything")
	require.NoError(t, err)
	assert.Equal(t, "static", string(b))

	assert.Panics(t, func() {
		RegisterFileLoaderCtor("static", nil)
	})

	_, err = LoadFile("s3://bucket/key")
	assert.Error(t, err)
}
