// Package idgen makes short, roughly time-ordered identifiers for correlating
// log lines of one request or job.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	node     [3]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(node[:]); err == nil {
		return
	}
	h := fnv.New32a()
	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	sum := h.Sum32()
	node = [3]byte{byte(sum >> 16), byte(sum >> 8), byte(sum)}
}

// New returns a 20 character id: 4 bytes of unix seconds, 3 bytes of node,
// 2 bytes of sequence and 3 random bytes, base32 encoded.
func New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], node[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		binary.BigEndian.PutUint16(id[9:11], uint16(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(id[:])
}

// FromHeader returns value when it is a usable caller supplied id, and a
// fresh id otherwise.
func FromHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 64 {
		return New()
	}
	for _, r := range value {
		if !(r == '-' || r == '_' || r == '.' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return New()
		}
	}
	return value
}
