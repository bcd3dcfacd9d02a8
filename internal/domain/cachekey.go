package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// CacheKey computes the deterministic fingerprint of
// (observable.type, observable.value, observable.time-or-null, amt.name,
// amt.version, sorted(amt.extended_version)) per spec §4.3. Returns "" if
// the AMT is not cacheable.
func CacheKey(o Observable, amt AnalysisModuleType) string {
	if !amt.Cacheable() {
		return ""
	}

	var b strings.Builder
	b.WriteString(o.Type)
	b.WriteByte('\x00')
	b.WriteString(o.Value)
	b.WriteByte('\x00')
	if o.Time != nil {
		b.WriteString(strconv.FormatInt(o.Time.UTC().UnixMicro(), 10))
	}
	b.WriteByte('\x00')
	b.WriteString(amt.Name)
	b.WriteByte('\x00')
	b.WriteString(amt.Version)
	b.WriteByte('\x00')

	keys := make([]string, 0, len(amt.ExtendedVersion))
	for k := range amt.ExtendedVersion {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(amt.ExtendedVersion[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
