package export

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// Field numbers of the exposure-key export messages.
const (
	exportStartTimestamp protowire.Number = 1
	exportEndTimestamp   protowire.Number = 2
	exportRegion         protowire.Number = 3
	exportBatchNum       protowire.Number = 4
	exportBatchSize      protowire.Number = 5
	exportSignatureInfos protowire.Number = 6
	exportKeys           protowire.Number = 7

	keyData               protowire.Number = 1
	keyTransmissionRisk   protowire.Number = 2
	keyRollingStartNumber protowire.Number = 3
	keyRollingPeriod      protowire.Number = 4

	sigInfoKeyVersion protowire.Number = 3
	sigInfoKeyID      protowire.Number = 4
	sigInfoAlgorithm  protowire.Number = 5

	sigListSignatures protowire.Number = 1

	sigInfo      protowire.Number = 1
	sigBatchNum  protowire.Number = 2
	sigBatchSize protowire.Number = 3
	sigBytes     protowire.Number = 4
)

// A batch is always exported as a single file.
const (
	batchNum  = 1
	batchSize = 1
)

func (e *Exporter) marshalSignatureInfo() []byte {
	var b []byte
	b = protowire.AppendTag(b, sigInfoKeyVersion, protowire.BytesType)
	b = protowire.AppendString(b, e.opts.VerificationKeyVersion)
	b = protowire.AppendTag(b, sigInfoKeyID, protowire.BytesType)
	b = protowire.AppendString(b, e.opts.VerificationKeyID)
	b = protowire.AppendTag(b, sigInfoAlgorithm, protowire.BytesType)
	b = protowire.AppendString(b, SignatureAlgorithm)
	return b
}

func (e *Exporter) marshalKey(k models.DiagnosisKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, keyData, protowire.BytesType)
	b = protowire.AppendBytes(b, k.KeyData)
	b = protowire.AppendTag(b, keyTransmissionRisk, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.RiskLevel))
	b = protowire.AppendTag(b, keyRollingStartNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.RollingPeriod))
	b = protowire.AppendTag(b, keyRollingPeriod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.opts.RollingPeriod))
	return b
}

func (e *Exporter) marshalExport(start, end time.Time, keys []models.DiagnosisKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, exportStartTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(start.Unix()))
	b = protowire.AppendTag(b, exportEndTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(end.Unix()))
	b = protowire.AppendTag(b, exportRegion, protowire.BytesType)
	b = protowire.AppendString(b, e.opts.Region)
	b = protowire.AppendTag(b, exportBatchNum, protowire.VarintType)
	b = protowire.AppendVarint(b, batchNum)
	b = protowire.AppendTag(b, exportBatchSize, protowire.VarintType)
	b = protowire.AppendVarint(b, batchSize)
	b = protowire.AppendTag(b, exportSignatureInfos, protowire.BytesType)
	b = protowire.AppendBytes(b, e.marshalSignatureInfo())
	for _, k := range keys {
		b = protowire.AppendTag(b, exportKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshalKey(k))
	}
	return b
}

func (e *Exporter) marshalSignatureList(sig []byte) []byte {
	var s []byte
	s = protowire.AppendTag(s, sigInfo, protowire.BytesType)
	s = protowire.AppendBytes(s, e.marshalSignatureInfo())
	s = protowire.AppendTag(s, sigBatchNum, protowire.VarintType)
	s = protowire.AppendVarint(s, batchNum)
	s = protowire.AppendTag(s, sigBatchSize, protowire.VarintType)
	s = protowire.AppendVarint(s, batchSize)
	s = protowire.AppendTag(s, sigBytes, protowire.BytesType)
	s = protowire.AppendBytes(s, sig)

	var b []byte
	b = protowire.AppendTag(b, sigListSignatures, protowire.BytesType)
	return protowire.AppendBytes(b, s)
}

// walk calls fn for every field of a message. fn receives the raw value
// bytes for length-delimited fields and the decoded number otherwise.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedArchive, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedArchive, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalKey(b []byte) (models.DiagnosisKey, error) {
	var k models.DiagnosisKey
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case keyData:
			k.KeyData = append([]byte(nil), raw...)
		case keyTransmissionRisk:
			k.RiskLevel = uint8(v)
		case keyRollingStartNumber:
			k.RollingPeriod = uint32(v)
		}
		return nil
	})
	return k, err
}

func unmarshalExport(b []byte) (*Archive, error) {
	a := &Archive{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case exportStartTimestamp:
			a.StartTime = time.Unix(int64(v), 0).UTC()
		case exportEndTimestamp:
			a.EndTime = time.Unix(int64(v), 0).UTC()
		case exportRegion:
			a.Region = string(raw)
		case exportBatchNum:
			a.BatchNum = int32(v)
		case exportBatchSize:
			a.BatchSize = int32(v)
		case exportKeys:
			k, err := unmarshalKey(raw)
			if err != nil {
				return err
			}
			a.Keys = append(a.Keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func unmarshalSignature(b []byte) ([]byte, error) {
	var sig []byte
	err := walk(b, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		if num != sigListSignatures {
			return nil
		}
		return walk(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
			if num == sigBytes {
				sig = append([]byte(nil), raw...)
			}
			return nil
		})
	})
	return sig, err
}
