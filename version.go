package tide

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// a logical point in the server history, in nanoseconds.
// On the wire a timestamp is the base64 of its 8 little-endian bytes,
// which keeps full 64-bit precision through json.
type Timestamp int64

func (self Timestamp) MarshalJSON() ([]byte, error) {
	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], uint64(self))
	encoded := base64.StdEncoding.EncodeToString(tsBytes[:])
	out := make([]byte, 0, len(encoded)+2)
	out = append(out, '"')
	out = append(out, encoded...)
	out = append(out, '"')
	return out, nil
}

func (self *Timestamp) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid timestamp: %s", string(src))
	}
	tsBytes, err := base64.StdEncoding.DecodeString(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	if len(tsBytes) != 8 {
		return fmt.Errorf("timestamp must be 8 bytes, got %d", len(tsBytes))
	}
	*self = Timestamp(binary.LittleEndian.Uint64(tsBytes))
	return nil
}

// the three independently advancing counters that order the client view:
// - `QuerySet` counts client edits to the subscribed query set
// - `Identity` counts client auth changes
// - `Ts` is the server history timestamp the view reflects
type Version struct {
	QuerySet uint32    `json:"querySet"`
	Identity uint32    `json:"identity"`
	Ts       Timestamp `json:"ts"`
}

func (self Version) String() string {
	return fmt.Sprintf("(qs=%d id=%d ts=%d)", self.QuerySet, self.Identity, self.Ts)
}

// Tracks the current confirmed version and admits transitions only when
// they extend it contiguously. The max observed timestamp outlives
// connections so reads can be held back until they cover prior writes.
type VersionClock struct {
	current Version

	maxObserved    atomic.Int64
	hasMaxObserved atomic.Bool
}

func NewVersionClock() *VersionClock {
	return &VersionClock{}
}

func (self *VersionClock) Current() Version {
	return self.current
}

// Accept advances the clock to `endVersion` if `startVersion` matches the
// current version exactly. A mismatch returns `OutOfOrderTransitionError`
// and leaves the clock unchanged.
func (self *VersionClock) Accept(startVersion Version, endVersion Version) error {
	if startVersion != self.current {
		return &OutOfOrderTransitionError{
			StartVersion:   startVersion,
			CurrentVersion: self.current,
		}
	}
	self.current = endVersion
	self.Observe(endVersion.Ts)
	return nil
}

// AdvanceQuerySet and AdvanceIdentity bump the counters that track
// client-initiated edits. The returned value is the base the server will
// echo back.
func (self *VersionClock) AdvanceQuerySet() uint32 {
	base := self.current.QuerySet
	self.current.QuerySet += 1
	return base
}

func (self *VersionClock) AdvanceIdentity() uint32 {
	base := self.current.Identity
	self.current.Identity += 1
	return base
}

// Observe folds a timestamp into the max observed watermark.
// Safe to call concurrently with `MaxObservedTimestamp`.
func (self *VersionClock) Observe(ts Timestamp) {
	for {
		current := self.maxObserved.Load()
		if self.hasMaxObserved.Load() && int64(ts) <= current {
			return
		}
		if self.maxObserved.CompareAndSwap(current, int64(ts)) {
			self.hasMaxObserved.Store(true)
			return
		}
	}
}

func (self *VersionClock) MaxObservedTimestamp() (Timestamp, bool) {
	if !self.hasMaxObserved.Load() {
		return 0, false
	}
	return Timestamp(self.maxObserved.Load()), true
}

// Reset returns the version to zero for a fresh connection.
// The max observed watermark is intentionally kept.
func (self *VersionClock) Reset() {
	self.current = Version{}
}
