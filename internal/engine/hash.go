package engine

import (
	"encoding/binary"
	"math"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
)

const hashDomain = "stdb/query/v1"

// queryHash derives a query identifier from its parameters and issue time.
// seq disambiguates queries issued within the same clock tick.
func queryHash(kind model.QueryKind, floats []float64, ints []int64, now time.Time, seq uint64) model.QueryHash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hashDomain))
	h.Write([]byte{byte(kind)})

	var buf [8]byte
	for _, f := range floats {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	for _, v := range ints {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])

	var out model.QueryHash
	copy(out[:], h.Sum(nil))
	return out
}
