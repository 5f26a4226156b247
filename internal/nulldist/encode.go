package nulldist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Artifact layout (little-endian, zstd-compressed as a whole):
//
//	magic "TFND" | version uint16 | strategy uint8 | reserved uint8 |
//	M uint32 | N uint32 | I uint32 | count uint64 | count x float64
const (
	artifactMagic   = "TFND"
	artifactVersion = 1
)

type header struct {
	Magic    [4]byte
	Version  uint16
	Strategy uint8
	Reserved uint8
	MaxSize  uint32
	Genes    uint32
	Iters    uint32
	Count    uint64
}

func strategyCode(s Strategy) uint8 {
	switch s {
	case Empirical:
		return 1
	case Parametric:
		return 2
	}
	return 0
}

func strategyFromCode(c uint8) Strategy {
	switch c {
	case 1:
		return Empirical
	case 2:
		return Parametric
	}
	return ""
}

// Encode writes d to w as a compressed artifact.
func Encode(w io.Writer, d *Distribution) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	bw := bufio.NewWriterSize(zw, 1<<16)

	payload := d.payload()
	h := header{
		Version:  artifactVersion,
		Strategy: strategyCode(d.key.Strategy),
		MaxSize:  uint32(d.key.MaxSize),
		Genes:    uint32(d.key.Genes),
		Iters:    uint32(d.key.Iterations),
		Count:    uint64(len(payload)),
	}
	copy(h.Magic[:], artifactMagic)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		zw.Close()
		return fmt.Errorf("failed to write artifact header: %w", err)
	}

	var buf [8]byte
	for _, v := range payload {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			zw.Close()
			return fmt.Errorf("failed to write artifact payload: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	return zw.Close()
}

// Decode reads an artifact and checks it against want. Any mismatch or
// decoding failure is reported as a *CorruptArtifactError.
func Decode(r io.Reader, want Key, source string) (*Distribution, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptArtifactError{Key: want, Source: source, Reason: reason, Err: err}
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, corrupt("zstd stream", err)
	}
	defer zr.Close()
	br := bufio.NewReaderSize(zr, 1<<16)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return nil, corrupt("header", err)
	}
	if string(h.Magic[:]) != artifactMagic {
		return nil, corrupt(fmt.Sprintf("bad magic %q", h.Magic[:]), nil)
	}
	if h.Version != artifactVersion {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", h.Version), nil)
	}
	got := Key{
		Strategy:   strategyFromCode(h.Strategy),
		MaxSize:    int(h.MaxSize),
		Genes:      int(h.Genes),
		Iterations: int(h.Iters),
	}
	if got != want {
		return nil, corrupt(fmt.Sprintf("shape mismatch: artifact holds %s", got), nil)
	}
	if int64(h.Count) != want.Cells() {
		return nil, corrupt(fmt.Sprintf("payload holds %d values, expected %d", h.Count, want.Cells()), nil)
	}

	payload := make([]float64, h.Count)
	var buf [8]byte
	for i := range payload {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, corrupt("truncated payload", err)
		}
		payload[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
	}

	d := &Distribution{key: want}
	if want.Strategy == Parametric {
		d.sd = payload
	} else {
		d.rows = payload
		for k := 1; k <= want.MaxSize; k++ {
			if !sort.Float64sAreSorted(d.Row(k)) {
				return nil, corrupt(fmt.Sprintf("row %d is not sorted", k), nil)
			}
		}
	}
	return d, nil
}
