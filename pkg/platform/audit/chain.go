package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Genesis anchors every chain.
const Genesis = "GENESIS"

var ErrCorruptChain = errors.New("audit chain corruption detected")

// ComputeHash links r to prev. Every field except HashCurr is covered, so any
// later edit of a stored record changes its hash.
func ComputeHash(prev string, r Record) string {
	h := sha256.New()
	field := func(s string) {
		_, _ = h.Write([]byte(strconv.Itoa(len(s))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(s))
	}
	field(prev)
	field(r.ID)
	field(r.ChainKey)
	field(strconv.FormatInt(r.Sequence, 10))
	field(r.ArtifactID)
	field(r.ConsentRequestID)
	field(r.FromStatus)
	field(r.ToStatus)
	field(r.EventType)
	field(string(r.Source))
	field(hex.EncodeToString(r.SourceEvent))
	field(strconv.FormatBool(r.VerifiedSignatureOK))
	field(string(r.Outcome))
	field(r.Reason)
	field(r.RequestID)
	field(r.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z"))
	return hex.EncodeToString(h.Sum(nil))
}

// Link fills the chain fields of r as the successor of prev (nil for the first record).
// Timestamps are truncated to microseconds, the precision PostgreSQL keeps.
func Link(prev *Record, r Record) Record {
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	r.HashPrev = Genesis
	r.Sequence = 1
	if prev != nil {
		r.HashPrev = prev.HashCurr
		r.Sequence = prev.Sequence + 1
	}
	r.HashCurr = ComputeHash(r.HashPrev, r)
	return r
}

// VerifyChain checks that records form an unbroken chain from Genesis.
// Records must be in append order.
func VerifyChain(records []Record) error {
	prev := Genesis
	for i, r := range records {
		if r.HashPrev != prev {
			return fmt.Errorf("%w: record %d (%s) does not link to its predecessor", ErrCorruptChain, i, r.ID)
		}
		if r.Sequence != int64(i+1) {
			return fmt.Errorf("%w: record %d (%s) has sequence %d", ErrCorruptChain, i, r.ID, r.Sequence)
		}
		if ComputeHash(r.HashPrev, r) != r.HashCurr {
			return fmt.Errorf("%w: record %d (%s) was modified", ErrCorruptChain, i, r.ID)
		}
		prev = r.HashCurr
	}
	return nil
}
