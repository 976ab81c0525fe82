package digest

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytes(t *testing.T) {
	d := FromBytes([]byte("hello"))
	require.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", string(d))
}

func TestVerifiedReaderSuccess(t *testing.T) {
	content := []byte("the quick brown fox")
	want := FromBytes(content)

	vr := NewVerifiedReader(bytes.NewReader(content), want, int64(len(content)))
	got, err := io.ReadAll(vr)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoError(t, vr.Verify())
}

func TestVerifiedReaderDigestMismatch(t *testing.T) {
	content := []byte("actual content")
	wrong := FromBytes([]byte("something else"))

	vr := NewVerifiedReader(bytes.NewReader(content), wrong, int64(len(content)))
	_, err := io.ReadAll(vr)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDigestMismatch))
}

func TestVerifiedReaderSizeMismatch(t *testing.T) {
	content := []byte("short")
	want := FromBytes(content)

	vr := NewVerifiedReader(bytes.NewReader(content), want, 100)
	_, err := io.ReadAll(vr)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSizeMismatch))
}

func TestVerifiedReaderCopyRequiresExplicitVerify(t *testing.T) {
	content := []byte("copied via io.Copy")
	want := FromBytes(content)

	vr := NewVerifiedReader(bytes.NewReader(content), want, int64(len(content)))
	var buf bytes.Buffer
	_, err := io.Copy(&buf, vr)
	require.NoError(t, err)
	require.NoError(t, vr.Verify())
}
