// reader_safetensors.go - Reader fuer safetensors Checkpoints (F32, F16, BF16)
// Hauptfunktionen: parseSafetensors, safetensor.Read
package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/assembler/ml"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func parseSafetensors(ps ...string) ([]Tensor, error) {
	var ts []Tensor
	names := make(map[string]string)
	for _, p := range ps {
		headers, n, err := readSafetensorsHeader(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		for _, key := range slices.Sorted(maps.Keys(headers)) {
			value := headers[key]
			// __metadata__ hat keinen dtype
			if value.Type == "" {
				continue
			}

			if len(value.Offsets) != 2 {
				return nil, fmt.Errorf("%s: tensor %q has invalid data_offsets %v", p, key, value.Offsets)
			}

			dtype, err := ml.ParseDType(value.Type)
			if err != nil || dtype == ml.DTypeI32 {
				return nil, fmt.Errorf("%s: tensor %q: unsupported dtype %s", p, key, value.Type)
			}

			if other, ok := names[key]; ok {
				return nil, fmt.Errorf("duplicate tensor name %q in %s and %s", key, other, p)
			}
			names[key] = p

			ts = append(ts, safetensor{
				path:   p,
				offset: safetensorsPad(n, value.Offsets[0]),
				size:   value.Offsets[1] - value.Offsets[0],
				tensorBase: tensorBase{
					name:  key,
					shape: value.Shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

func readSafetensorsHeader(p string) (map[string]safetensorMetadata, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, 0, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, 0, errors.New("invalid safetensors header size")
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, 0, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, 0, err
	}

	return headers, n, nil
}

// safetensorsPad gibt die Dateiposition eines Daten-Offsets zurueck
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	path   string
	offset int64
	size   int64
	tensorBase
}

func (st safetensor) Read() ([]float32, error) {
	f, err := os.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, err
	}

	r := io.LimitReader(f, st.size)
	n := numel(st.shape)

	var f32s []float32
	switch st.dtype {
	case ml.DTypeF32:
		f32s = make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
	case ml.DTypeF16:
		u16s := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}

		f32s = make([]float32, n)
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case ml.DTypeBF16:
		u8s := make([]byte, 2*n)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("%s: unknown data type %v", st.name, st.dtype)
	}

	return f32s, nil
}
