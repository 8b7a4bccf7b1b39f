// Package idgen generates compact, roughly time-sortable identifiers for
// drafts and messages. IDs embed a truncated timestamp so lexical order
// approximates creation order, which keeps review listings and database
// indexes friendly without a central sequence.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID is a 3-byte identifier for this process instance.
	nodeID []byte
	// sequence disambiguates IDs generated within the same second.
	sequence uint32

	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		hostname, herr := os.Hostname()
		if herr != nil {
			copy(nodeID, fmt.Sprintf("%06x", time.Now().UnixNano())[:3])
		} else {
			hash := []byte(hostname)
			copy(nodeID, hash)
			for i := len(hash); i < 3; i++ {
				nodeID[i] = 0
			}
		}
	}
}

// New generates a 12-byte hybrid ID encoded as ~20 lowercase base32
// characters: 4 bytes timestamp, 3 bytes node, 2 bytes sequence, 3 bytes
// random.
func New() string {
	timestamp := uint32(time.Now().Unix())
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		randomBytes = []byte(fmt.Sprintf("%06x", time.Now().UnixNano())[:3])
	}

	id := make([]byte, 12)
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)
	copy(id[4:7], nodeID)
	id[7] = byte(seq >> 8)
	id[8] = byte(seq)
	copy(id[9:12], randomBytes)

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
