package export

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

var (
	start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end   = start.Add(time.Hour)
)

func testKeys() []models.DiagnosisKey {
	return []models.DiagnosisKey{
		{KeyData: bytes.Repeat([]byte{1}, 16), RollingPeriod: 2_900_000, RiskLevel: 3},
		{KeyData: bytes.Repeat([]byte{2}, 16), RollingPeriod: 2_900_144, RiskLevel: 0},
	}
}

func newExporter(t *testing.T, signer *ecdsa.PrivateKey) *Exporter {
	t.Helper()
	e, err := NewExporter(Options{
		Header:                 "EK Export v1",
		Region:                 "222",
		VerificationKeyID:      "222",
		VerificationKeyVersion: "v1",
		Signer:                 signer,
	})
	require.NoError(t, err)
	return e
}

func TestBuildDecode_RoundTrip(t *testing.T) {
	e := newExporter(t, nil)
	content, err := e.Build(start, end, testKeys())
	require.NoError(t, err)

	a, sig, err := e.Decode(content)
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, "222", a.Region)
	assert.True(t, a.StartTime.Equal(start))
	assert.True(t, a.EndTime.Equal(end))
	assert.Equal(t, int32(1), a.BatchNum)
	assert.Equal(t, int32(1), a.BatchSize)
	assert.Equal(t, testKeys(), a.Keys)
}

func TestBuild_HeaderIsPaddedAndContentDeterministic(t *testing.T) {
	e := newExporter(t, nil)
	first, err := e.Build(start, end, testKeys())
	require.NoError(t, err)
	second, err := e.Build(start, end, testKeys())
	require.NoError(t, err)
	assert.Equal(t, Digest(first), Digest(second))

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, BinName, zr.File[0].Name)
	bin, err := readEntry(zr.File[0])
	require.NoError(t, err)
	assert.Equal(t, "EK Export v1    ", string(bin[:16]))
}

func TestBuild_EmptyBatch(t *testing.T) {
	e := newExporter(t, nil)
	content, err := e.Build(start, end, nil)
	require.NoError(t, err)
	a, _, err := e.Decode(content)
	require.NoError(t, err)
	assert.Empty(t, a.Keys)
}

func TestBuild_Signed(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	e := newExporter(t, key)

	content, err := e.Build(start, end, testKeys())
	require.NoError(t, err)
	_, sig, err := e.Decode(content)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := Verify(content, sig, &key.PublicKey)
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ok, err = Verify(content, sig, &other.PublicKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecode_Rejects(t *testing.T) {
	e := newExporter(t, nil)

	_, _, err := e.Decode([]byte("not a zip"))
	assert.True(t, errors.Is(err, ErrMalformedArchive))

	foreign, err := NewExporter(Options{Header: "Other Header"})
	require.NoError(t, err)
	content, err := foreign.Build(start, end, testKeys())
	require.NoError(t, err)
	_, _, err = e.Decode(content)
	assert.True(t, errors.Is(err, ErrMalformedArchive))
}

func TestNewExporter_LongHeader(t *testing.T) {
	_, err := NewExporter(Options{Header: "this header is far too long"})
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("abc"))
	assert.Len(t, d, 64)
	assert.NotEqual(t, d, Digest([]byte("abd")))
}

func TestLoadSigningKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	p1 := filepath.Join(dir, "sec1.pem")
	require.NoError(t, os.WriteFile(p1, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}), 0o600))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	p8 := filepath.Join(dir, "pkcs8.pem")
	require.NoError(t, os.WriteFile(p8, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600))

	for _, p := range []string{p1, p8} {
		got, err := LoadSigningKey(p)
		require.NoError(t, err, p)
		assert.True(t, got.Equal(key), p)
	}

	_, err = ParseSigningKey([]byte("garbage"))
	assert.Error(t, err)
	_, err = LoadSigningKey(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}
