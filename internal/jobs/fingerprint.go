package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/alexpierre9/choir-voice-player/internal/processing"
)

// Fingerprint はジョブの「意図」（原本と明示的な声部割り当て）を表す比較可能な値です。
// 入力が同じであればマップの順序に関係なく同じ値になります。
type Fingerprint string

// NewFingerprint は原本のBlobキーと明示的な声部割り当てから Fingerprint を計算します。
func NewFingerprint(sourceKey string, assignments map[int]processing.Voice) Fingerprint {
	indices := make([]int, 0, len(assignments))
	for idx := range assignments {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var b strings.Builder
	b.WriteString("v1\x00")
	b.WriteString(strconv.Itoa(len(sourceKey)))
	b.WriteByte(':')
	b.WriteString(sourceKey)
	for _, idx := range indices {
		b.WriteByte('\x00')
		b.WriteString(strconv.Itoa(idx))
		b.WriteByte('=')
		b.WriteString(string(assignments[idx]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func (f Fingerprint) String() string { return string(f) }

// Short はログ用の短い表記です。
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}
