package geo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Snapshot wire format: one version byte, then a zstd frame holding the
// core-deterministic CBOR encoding of snapshotDoc. A payload starting with
// '[' is read as a JSON array of [lat, lng, intensity] triples, the format
// browser clients keep in local storage.
const snapshotVersion byte = 1

type snapshotDoc struct {
	Points []Point `cbor:"1,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("geo: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("geo: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("geo: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("geo: zstd decoder initialization failed: " + err.Error())
	}
}

var errEmptySnapshot = errors.New("empty snapshot")

func EncodeSnapshot(pts []Point) ([]byte, error) {
	raw, err := encMode.Marshal(snapshotDoc{Points: pts})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = snapshotVersion
	return zstdEncoder.EncodeAll(raw, out), nil
}

func DecodeSnapshot(data []byte) ([]Point, error) {
	if len(data) == 0 {
		return nil, errEmptySnapshot
	}
	switch data[0] {
	case snapshotVersion:
		raw, err := zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: zstd: %w", err)
		}
		var doc snapshotDoc
		if err := decMode.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode snapshot: cbor: %w", err)
		}
		return doc.Points, nil
	case '[':
		return decodeTriples(data)
	default:
		return nil, fmt.Errorf("decode snapshot: unknown format byte 0x%02x", data[0])
	}
}

func decodeTriples(data []byte) ([]Point, error) {
	var triples [][]float64
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, fmt.Errorf("decode snapshot: json: %w", err)
	}
	pts := make([]Point, 0, len(triples))
	for i, t := range triples {
		if len(t) < 3 {
			return nil, fmt.Errorf("decode snapshot: entry %d has %d values, want 3", i, len(t))
		}
		pts = append(pts, Point{Lat: t[0], Lng: t[1], Intensity: float32(t[2])})
	}
	return pts, nil
}
