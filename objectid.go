package bunmap

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the 12-byte document identifier used for reference fields:
// a 4-byte big-endian Unix timestamp, 5 random bytes fixed per process, and
// a 3-byte monotonic counter. The text form is the 24-character lowercase
// hex encoding.
type ObjectID [12]byte

// NilObjectID is the zero identifier.
var NilObjectID ObjectID

var (
	oidProcess [5]byte
	oidCounter atomic.Uint32
)

func init() {
	if _, err := rand.Read(oidProcess[:]); err != nil {
		panic(fmt.Sprintf("bunmap: cannot seed object id process bytes: %v", err))
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("bunmap: cannot seed object id counter: %v", err))
	}
	oidCounter.Store(binary.BigEndian.Uint32(seed[:]))
}

// NewObjectID returns a fresh identifier. Safe for concurrent use.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], oidProcess[:])
	c := oidCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// ObjectIDFromHex parses the 24-character hex form.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, fmt.Errorf("object id hex must be 24 characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid object id hex %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// ObjectIDFromBytes accepts the raw 12-byte form.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != 12 {
		return id, fmt.Errorf("object id must be 12 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the 24-character lowercase hex encoding.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string { return id.Hex() }

// IsZero reports whether id is the nil identifier.
func (id ObjectID) IsZero() bool { return id == NilObjectID }

// Timestamp returns the creation time embedded in the identifier, at second
// resolution.
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0)
}

// MarshalJSON encodes the identifier as its hex string.
func (id ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

// UnmarshalJSON decodes a hex string form.
func (id *ObjectID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ObjectIDFromHex(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
