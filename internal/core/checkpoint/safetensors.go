package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

// Checkpoints are written in the safetensors layout:
//
//	[8 bytes: header size, uint64 little endian]
//	[header: JSON, tensor name -> dtype/shape/offsets, plus __metadata__]
//	[tensor data, in sorted name order]
//
// Parameters are always stored as F64 row-major matrices.

const (
	metadataKey   = "__metadata__"
	dtypeF64      = "F64"
	maxHeaderSize = 100 * 1024 * 1024
)

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func EncodeStateDict(w io.Writer, state types.StateDict, metadata map[string]string) error {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		r, c := state[name].Dims()
		size := int64(r * c * 8)
		header[name] = tensorInfo{
			DType:       dtypeF64,
			Shape:       []int{r, c},
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("error writing checkpoint header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("error writing checkpoint header: %w", err)
	}

	buf := make([]byte, 8)
	for _, name := range names {
		m := state[name]
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				binary.LittleEndian.PutUint64(buf, math.Float64bits(m.At(i, j)))
				if _, err := w.Write(buf); err != nil {
					return fmt.Errorf("error writing tensor '%s': %w", name, err)
				}
			}
		}
	}

	return nil
}

func DecodeStateDict(data []byte) (types.StateDict, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("checkpoint too short: %d bytes", len(data))
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("invalid checkpoint header size: %d", headerSize)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(data[8 : 8+headerSize])).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("error parsing checkpoint header: %w", err)
	}

	var metadata map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, fmt.Errorf("error parsing checkpoint metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	body := data[8+headerSize:]
	state := make(types.StateDict, len(raw))
	for name, msg := range raw {
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("error parsing tensor '%s': %w", name, err)
		}
		if info.DType != dtypeF64 {
			return nil, nil, fmt.Errorf("tensor '%s' has unsupported dtype %s", name, info.DType)
		}
		if len(info.Shape) != 2 || info.Shape[0] <= 0 || info.Shape[1] <= 0 {
			return nil, nil, fmt.Errorf("tensor '%s' has unsupported shape %v", name, info.Shape)
		}

		// Bound each dimension by the body length before multiplying.
		maxValues := len(body) / 8
		if info.Shape[0] > maxValues || info.Shape[1] > maxValues/info.Shape[0] {
			return nil, nil, fmt.Errorf("tensor '%s' shape %v exceeds checkpoint size", name, info.Shape)
		}

		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		n := info.Shape[0] * info.Shape[1]
		if begin < 0 || end > int64(len(body)) || end-begin != int64(n)*8 {
			return nil, nil, fmt.Errorf("tensor '%s' has invalid data offsets %v", name, info.DataOffsets)
		}

		values := make([]float64, n)
		for i := range values {
			at := begin + int64(i*8)
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[at : at+8]))
		}
		state[name] = mat.NewDense(info.Shape[0], info.Shape[1], values)
	}

	return state, metadata, nil
}
