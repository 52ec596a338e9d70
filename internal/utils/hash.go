package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ContentHash fingerprints the given parts so identical logical payloads
// always produce identical hashes. Parts are separated by a zero byte so
// ("ab","c") and ("a","bc") do not collide.
func ContentHash(parts ...[]byte) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.Write(p)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
