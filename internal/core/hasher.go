package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"BetChannel/internal/ledger"
)

const GenesisHashSeed = "BetChannel:genesis:v1"

// stateDigestTag versions the canonical encoding signed by settlement parties.
const stateDigestTag = "BetChannel:state:v1"

// GenesisHash is the chain root for one channel.
func GenesisHash(channelID string) [32]byte {
	h := sha256.New()
	h.Write([]byte(GenesisHashSeed))
	writeString(h, channelID)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NextStateHash calculates state_hash[v] = SHA-256(prev_hash || version || state_digest)
func NextStateHash(prev [32]byte, version uint64, stateDigest [32]byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], version)
	hasher.Write(verBuf[:])

	hasher.Write(stateDigest[:])

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ComputeStateDigest is the canonical digest over (channel id, version,
// allocations sorted by participant). Every field is length-prefixed or
// fixed-width so distinct states never share an encoding.
func ComputeStateDigest(channelID string, version uint64, allocs ledger.Allocations) [32]byte {
	participants := allocs.Participants()

	buf := make([]byte, 0, 64+len(participants)*48)
	buf = append(buf, stateDigestTag...)
	buf = appendString(buf, channelID)
	buf = binary.LittleEndian.AppendUint64(buf, version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(participants)))

	for _, p := range participants {
		buf = appendString(buf, p)
		buf = appendInt64LE(buf, allocs[p])
	}

	return sha256.Sum256(buf)
}

// SnapshotDigest is ComputeStateDigest over a channel snapshot.
func SnapshotDigest(ch *ledger.Channel) [32]byte {
	return ComputeStateDigest(ch.ID, ch.Version, ch.Allocations)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func writeString(w io.Writer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.Write([]byte(s))
}

// VerifyStateHash checks a recovered channel's head against the previous
// link of its event chain.
func VerifyStateHash(ch *ledger.Channel, prev [32]byte) error {
	want := NextStateHash(prev, ch.Version, SnapshotDigest(ch))
	if want != ch.StateHash {
		return fmt.Errorf("channel %s v%d: state hash mismatch (stored=%x, computed=%x)",
			ch.ID, ch.Version, ch.StateHash[:8], want[:8])
	}
	return nil
}
