// Package export encodes batches as exposure-key export archives: a zip
// holding export.bin (fixed header followed by a TemporaryExposureKeyExport
// protobuf) and, when a signing key is configured, export.sig.
package export

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

const (
	BinName = "export.bin"
	SigName = "export.sig"

	headerLen = 16
	// ECDSA P-256 with SHA-256.
	SignatureAlgorithm = "1.2.840.10045.4.3.2"
)

var ErrMalformedArchive = errors.New("malformed export archive")

// Archive is the decoded content of one batch.
type Archive struct {
	StartTime time.Time
	EndTime   time.Time
	Region    string
	BatchNum  int32
	BatchSize int32
	Keys      []models.DiagnosisKey
}

type Options struct {
	Header                 string
	Region                 string
	RollingPeriod          uint32
	VerificationKeyID      string
	VerificationKeyVersion string
	// Signer is optional; without it no export.sig is written.
	Signer *ecdsa.PrivateKey
}

type Exporter struct {
	opts   Options
	header []byte
}

func NewExporter(opts Options) (*Exporter, error) {
	if len(opts.Header) > headerLen {
		return nil, fmt.Errorf("export header %q longer than %d bytes", opts.Header, headerLen)
	}
	if opts.RollingPeriod == 0 {
		opts.RollingPeriod = 144
	}
	header := bytes.Repeat([]byte{' '}, headerLen)
	copy(header, opts.Header)
	return &Exporter{opts: opts, header: header}, nil
}

// Build writes the archive for keys covering [start, end). Keys are written
// in the given order; the zip entries carry end as their modification time
// so equal input yields equal bytes.
func (e *Exporter) Build(start, end time.Time, keys []models.DiagnosisKey) ([]byte, error) {
	bin := append(bytes.Clone(e.header), e.marshalExport(start, end, keys)...)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := writeEntry(zw, BinName, bin, end); err != nil {
		return nil, err
	}
	if e.opts.Signer != nil {
		sum := sha256.Sum256(bin)
		sig, err := ecdsa.SignASN1(rand.Reader, e.opts.Signer, sum[:])
		if err != nil {
			return nil, fmt.Errorf("sign export: %w", err)
		}
		if err := writeEntry(zw, SigName, e.marshalSignatureList(sig), end); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, content []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	})
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

// Decode parses an archive produced by Build. The signature, if any, is
// returned raw.
func (e *Exporter) Decode(content []byte) (*Archive, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	var bin, sigList []byte
	for _, f := range zr.File {
		switch f.Name {
		case BinName:
			bin, err = readEntry(f)
		case SigName:
			sigList, err = readEntry(f)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
		}
	}
	if len(bin) < headerLen || !bytes.Equal(bin[:headerLen], e.header) {
		return nil, nil, fmt.Errorf("%w: missing or foreign header", ErrMalformedArchive)
	}

	a, err := unmarshalExport(bin[headerLen:])
	if err != nil {
		return nil, nil, err
	}
	var sig []byte
	if sigList != nil {
		if sig, err = unmarshalSignature(sigList); err != nil {
			return nil, nil, err
		}
	}
	return a, sig, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Verify checks sig against the export.bin contained in content.
func Verify(content []byte, sig []byte, pub *ecdsa.PublicKey) (bool, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	for _, f := range zr.File {
		if f.Name != BinName {
			continue
		}
		bin, err := readEntry(f)
		if err != nil {
			return false, err
		}
		sum := sha256.Sum256(bin)
		return ecdsa.VerifyASN1(pub, sum[:], sig), nil
	}
	return false, fmt.Errorf("%w: no %s", ErrMalformedArchive, BinName)
}

// Digest is the content address of an archive: hex BLAKE2b-256.
func Digest(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}
