package stages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Frame-probability artifact format: 8-byte magic, float64 frame hop in
// seconds, uint32 count, then count float32 probabilities. Little-endian.
var vadProbsMagic = [8]byte{'S', 'F', 'V', 'A', 'D', 'P', '1', 0}

// encodeVADProbs serializes frame probabilities to the binary artifact format.
func encodeVADProbs(hopS float64, probs []float32) []byte {
	buf := make([]byte, 0, 8+8+4+4*len(probs))
	buf = append(buf, vadProbsMagic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(hopS))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(probs)))
	for _, p := range probs {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(p))
	}
	return buf
}

// decodeVADProbs parses the binary artifact format.
func decodeVADProbs(data []byte) (hopS float64, probs []float32, err error) {
	if len(data) < 8+8+4 {
		return 0, nil, fmt.Errorf("frame probs artifact too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], vadProbsMagic[:]) {
		return 0, nil, fmt.Errorf("bad frame probs magic: %q", data[:8])
	}
	hopS = math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	count := binary.LittleEndian.Uint32(data[16:20])

	payload := data[20:]
	if uint32(len(payload)) != count*4 {
		return 0, nil, fmt.Errorf("frame probs payload size mismatch: have %d bytes, want %d", len(payload), count*4)
	}
	probs = make([]float32, count)
	for i := range probs {
		probs[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return hopS, probs, nil
}
