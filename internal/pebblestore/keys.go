package pebblestore

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Key layout. Queue names and record ids never contain '/', so the
// separator splits unambiguously.
//
//	dlq/{origin}/{id}                    -> JSON record
//	dlqexp/{expiry ms, 8 byte BE}/{origin}/{id} -> empty
//
// Record ids are UUIDv7, so iterating dlq/{origin}/ yields capture order.
// The expiry index sorts by expiry time, so a bounded scan finds every
// record whose retention has elapsed.
const (
	prefixRecord = "dlq/"
	prefixExpiry = "dlqexp/"
)

func recordPrefix(originQueue string) []byte {
	return []byte(prefixRecord + originQueue + "/")
}

func recordKey(originQueue, id string) []byte {
	return []byte(prefixRecord + originQueue + "/" + id)
}

func expiryKey(expiresAt time.Time, originQueue, id string) []byte {
	suffix := originQueue + "/" + id
	key := make([]byte, 0, len(prefixExpiry)+8+1+len(suffix))
	key = append(key, prefixExpiry...)
	key = binary.BigEndian.AppendUint64(key, uint64(expiresAt.UnixMilli()))
	key = append(key, '/')
	key = append(key, suffix...)
	return key
}

// expiryUpperBound is the exclusive scan bound covering every index entry
// with expiry <= now.
func expiryUpperBound(now time.Time) []byte {
	key := make([]byte, 0, len(prefixExpiry)+8)
	key = append(key, prefixExpiry...)
	key = binary.BigEndian.AppendUint64(key, uint64(now.UnixMilli())+1)
	return key
}

// splitExpiryKey returns the origin queue and record id from an expiry
// index key, or ok=false for malformed keys.
func splitExpiryKey(key []byte) (originQueue, id string, ok bool) {
	rest := key[len(prefixExpiry):]
	if len(rest) < 8+1 {
		return "", "", false
	}
	rest = rest[8+1:]
	sep := bytes.IndexByte(rest, '/')
	if sep <= 0 || sep == len(rest)-1 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}

// splitRecordKey returns the origin queue and record id from a record key.
func splitRecordKey(key []byte) (originQueue, id string, ok bool) {
	rest := key[len(prefixRecord):]
	sep := bytes.IndexByte(rest, '/')
	if sep <= 0 || sep == len(rest)-1 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	return append(append([]byte(nil), prefix...), 0xFF)
}
