package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved client IDs. Real clients are issued IDs starting at 1 and never
// reach this range.
const (
	NilClientID    int32 = 1<<31 - 1
	ServerClientID int32 = 1<<31 - 2
	TempClientID   int32 = 1<<31 - 3
)

// IsReservedClientID reports whether id is one of the sentinel IDs.
func IsReservedClientID(id int32) bool {
	return id == NilClientID || id == ServerClientID || id == TempClientID
}

const (
	codeV2Chars = "QWXRTYLPESDFGHUJKZOCVBINMA"
)

var codeV2Map = [26]uint32{25, 21, 19, 10, 8, 11, 12, 13, 22, 15, 16, 6, 24, 23, 18, 7, 0, 3, 9, 4, 14, 20, 1, 2, 5, 17}

// ParseGameCode converts a 4 or 6 letter game code into its integer form.
func ParseGameCode(code string) (int32, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("invalid game code %q", code)
		}
	}
	switch len(code) {
	case 4:
		return int32(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24), nil
	case 6:
		a := codeV2Map[code[0]-'A']
		b := codeV2Map[code[1]-'A']
		c := codeV2Map[code[2]-'A']
		d := codeV2Map[code[3]-'A']
		e := codeV2Map[code[4]-'A']
		f := codeV2Map[code[5]-'A']
		one := (a + 26*b) & 0x3FF
		two := c + 26*(d+26*(e+26*f))
		return int32(one | (two<<10)&0x3FFFFC00 | 0x80000000), nil
	default:
		return 0, fmt.Errorf("invalid game code %q: want 4 or 6 letters", code)
	}
}

// FormatGameCode renders an integer game code as letters.
func FormatGameCode(code int32) string {
	if code >= 0 {
		b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
		return string(b)
	}
	v := uint32(code)
	a := v & 0x3FF
	b := (v >> 10) & 0xFFFFF
	return string([]byte{
		codeV2Chars[a%26],
		codeV2Chars[a/26],
		codeV2Chars[b%26],
		codeV2Chars[b/26%26],
		codeV2Chars[b/(26*26)%26],
		codeV2Chars[b/(26*26*26)%26],
	})
}

// EncodeVersion packs a client version as year*25000 + month*1800 + day*50 + revision.
func EncodeVersion(year, month, day, revision int) int32 {
	return int32(year*25000 + month*1800 + day*50 + revision)
}

// ParseVersion parses "YYYY.M.D" or "YYYY.M.D.R".
func ParseVersion(s string) (int32, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 3 || len(parts) > 4 {
		return 0, fmt.Errorf("invalid client version %q", s)
	}
	nums := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid client version %q", s)
		}
		nums[i] = n
	}
	return EncodeVersion(nums[0], nums[1], nums[2], nums[3]), nil
}

// FormatVersion renders an encoded client version; the revision is omitted when zero.
func FormatVersion(v int32) string {
	n := int(v)
	year := n / 25000
	n %= 25000
	month := n / 1800
	n %= 1800
	day := n / 50
	rev := n % 50
	if rev == 0 {
		return fmt.Sprintf("%d.%d.%d", year, month, day)
	}
	return fmt.Sprintf("%d.%d.%d.%d", year, month, day, rev)
}
