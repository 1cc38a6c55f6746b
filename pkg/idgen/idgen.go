package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

var (
	timeMu sync.Mutex

	// lastV7time is the last time we returned stored as:
	//
	//	52 bits of time in milliseconds since epoch
	//	12 bits of (fractional nanoseconds) >> 8
	lastV7time int64

	timeNow = time.Now // for testing
)

const nanoPerMilli = 1000000

// getV7Time returns the time in milliseconds and nanoseconds / 256.
// The returned (milli << 12 + seq) is strictly increasing across calls.
func getV7Time() (milli, seq int64) {
	timeMu.Lock()
	defer timeMu.Unlock()

	nano := timeNow().UnixNano()
	milli = nano / nanoPerMilli
	seq = (nano - milli*nanoPerMilli) >> 8
	now := milli<<12 + seq
	if now <= lastV7time {
		now = lastV7time + 1
		milli = now >> 12
		seq = now & 0xfff
	}
	lastV7time = now
	return milli, seq
}

func readRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
}

// Gen returns prefix followed by a base58 encoded UUIDv7. IDs generated by
// one process sort by creation time.
func Gen(prefix string) string {
	var uuid [16]byte
	readRandom(uuid[:])

	t, s := getV7Time()

	uuid[0] = byte(t >> 40)
	uuid[1] = byte(t >> 32)
	uuid[2] = byte(t >> 24)
	uuid[3] = byte(t >> 16)
	uuid[4] = byte(t >> 8)
	uuid[5] = byte(t)

	uuid[6] = 0x70 | (0x0F & byte(s>>8))

	uuid[7] = byte(s)
	uuid[8] = (uuid[8] & 0x3f) | 0x80 // Variant is 10

	return prefix + base58.Encode(uuid[:])
}

func GenNS(ns string) string {
	return Gen(ns + "-")
}

// Token returns 32 random bytes, base58 encoded. Used for bearer credentials
// handed to sandboxes; it carries no timestamp.
func Token() string {
	var b [32]byte
	readRandom(b[:])
	return base58.Encode(b[:])
}

// Valid reports whether id looks like the output of GenNS(ns).
func Valid(ns, id string) bool {
	prefix := ns + "-"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return false
	}

	raw, err := base58.Decode(id[len(prefix):])
	if err != nil {
		return false
	}

	return len(raw) == 16 && raw[6]>>4 == 0x7
}
