package grpcapi

import (
	"time"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
)

// Field numbers follow api/proto/stdb/v1/query_engine.proto.

// Hint is the optional coarse location a submitter discloses.
type Hint struct {
	Lat float64
	Lon float64
}

func (m *Hint) appendWire(b []byte) []byte {
	b = appendDouble(b, 1, m.Lat)
	return appendDouble(b, 2, m.Lon)
}

func (m *Hint) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Lat, err = f.double()
		case 2:
			m.Lon, err = f.double()
		}
		return err
	})
}

type SubmitPointRequest struct {
	EncLat       []byte
	EncLon       []byte
	EncTimestamp []byte
	Hint         *Hint
}

func (m *SubmitPointRequest) appendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.EncLat)
	b = appendBytes(b, 2, m.EncLon)
	b = appendBytes(b, 3, m.EncTimestamp)
	if m.Hint != nil {
		b = appendMessage(b, 4, m.Hint)
	}
	return b
}

func (m *SubmitPointRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.EncLat, err = f.bytes()
		case 2:
			m.EncLon, err = f.bytes()
		case 3:
			m.EncTimestamp, err = f.bytes()
		case 4:
			m.Hint = new(Hint)
			err = f.message(m.Hint)
		}
		return err
	})
}

type SubmitPointResponse struct {
	PointID int64
}

func (m *SubmitPointResponse) appendWire(b []byte) []byte {
	return appendInt64(b, 1, m.PointID)
}

func (m *SubmitPointResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			m.PointID, err = f.int64()
		}
		return err
	})
}

type GetPointRequest struct {
	PointID int64
}

func (m *GetPointRequest) appendWire(b []byte) []byte {
	return appendInt64(b, 1, m.PointID)
}

func (m *GetPointRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			m.PointID, err = f.int64()
		}
		return err
	})
}

type GetPointResponse struct {
	PointID      int64
	EncLat       []byte
	EncLon       []byte
	EncTimestamp []byte
	Cell         string
	SubmittedAt  time.Time
}

func (m *GetPointResponse) appendWire(b []byte) []byte {
	b = appendInt64(b, 1, m.PointID)
	b = appendBytes(b, 2, m.EncLat)
	b = appendBytes(b, 3, m.EncLon)
	b = appendBytes(b, 4, m.EncTimestamp)
	b = appendString(b, 5, m.Cell)
	return appendTime(b, 6, m.SubmittedAt)
}

func (m *GetPointResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.PointID, err = f.int64()
		case 2:
			m.EncLat, err = f.bytes()
		case 3:
			m.EncLon, err = f.bytes()
		case 4:
			m.EncTimestamp, err = f.bytes()
		case 5:
			m.Cell, err = f.string()
		case 6:
			m.SubmittedAt, err = f.time()
		}
		return err
	})
}

type RangeQueryRequest struct {
	CenterLat float64
	CenterLon float64
	Radius    float64
	StartTime int64
	EndTime   int64
}

func (m *RangeQueryRequest) appendWire(b []byte) []byte {
	b = appendDouble(b, 1, m.CenterLat)
	b = appendDouble(b, 2, m.CenterLon)
	b = appendDouble(b, 3, m.Radius)
	b = appendInt64(b, 4, m.StartTime)
	return appendInt64(b, 5, m.EndTime)
}

func (m *RangeQueryRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.CenterLat, err = f.double()
		case 2:
			m.CenterLon, err = f.double()
		case 3:
			m.Radius, err = f.double()
		case 4:
			m.StartTime, err = f.int64()
		case 5:
			m.EndTime, err = f.int64()
		}
		return err
	})
}

type RangeQueryResponse struct {
	QueryHash string
}

func (m *RangeQueryResponse) appendWire(b []byte) []byte {
	return appendString(b, 1, m.QueryHash)
}

func (m *RangeQueryResponse) unmarshalWire(b []byte) error {
	return unmarshalHash(b, &m.QueryHash)
}

type NearestNeighborRequest struct {
	TargetLat float64
	TargetLon float64
}

func (m *NearestNeighborRequest) appendWire(b []byte) []byte {
	b = appendDouble(b, 1, m.TargetLat)
	return appendDouble(b, 2, m.TargetLon)
}

func (m *NearestNeighborRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.TargetLat, err = f.double()
		case 2:
			m.TargetLon, err = f.double()
		}
		return err
	})
}

type NearestNeighborResponse struct {
	QueryHash             string
	EncNearestID          []byte
	EncMinDistance        []byte
	EncMinSquaredDistance []byte
}

func (m *NearestNeighborResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.QueryHash)
	b = appendBytes(b, 2, m.EncNearestID)
	b = appendBytes(b, 3, m.EncMinDistance)
	return appendBytes(b, 4, m.EncMinSquaredDistance)
}

func (m *NearestNeighborResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.QueryHash, err = f.string()
		case 2:
			m.EncNearestID, err = f.bytes()
		case 3:
			m.EncMinDistance, err = f.bytes()
		case 4:
			m.EncMinSquaredDistance, err = f.bytes()
		}
		return err
	})
}

type StoreResultRequest struct {
	QueryHash    string
	PointIDs     []int64
	EncDistances [][]byte
}

func (m *StoreResultRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.QueryHash)
	b = appendPackedInt64(b, 2, m.PointIDs)
	return appendRepeatedBytes(b, 3, m.EncDistances)
}

func (m *StoreResultRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.QueryHash, err = f.string()
		case 2:
			m.PointIDs, err = f.appendInt64s(m.PointIDs)
		case 3:
			var ct []byte
			ct, err = f.bytes()
			m.EncDistances = append(m.EncDistances, ct)
		}
		return err
	})
}

type StoreResultResponse struct{}

func (m *StoreResultResponse) appendWire(b []byte) []byte   { return b }
func (m *StoreResultResponse) unmarshalWire(b []byte) error { return skipAll(b) }

type GetResultRequest struct {
	QueryHash string
}

func (m *GetResultRequest) appendWire(b []byte) []byte {
	return appendString(b, 1, m.QueryHash)
}

func (m *GetResultRequest) unmarshalWire(b []byte) error {
	return unmarshalHash(b, &m.QueryHash)
}

type GetResultResponse struct {
	QueryHash             string
	Kind                  string
	PointIDs              []int64
	EncDistances          [][]byte
	EncNearestID          []byte
	EncMinDistance        []byte
	Complete              bool
	CreatedAt             time.Time
	EncMinSquaredDistance []byte
}

func (m *GetResultResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.QueryHash)
	b = appendString(b, 2, m.Kind)
	b = appendPackedInt64(b, 3, m.PointIDs)
	b = appendRepeatedBytes(b, 4, m.EncDistances)
	b = appendBytes(b, 5, m.EncNearestID)
	b = appendBytes(b, 6, m.EncMinDistance)
	b = appendBool(b, 7, m.Complete)
	b = appendTime(b, 8, m.CreatedAt)
	return appendBytes(b, 9, m.EncMinSquaredDistance)
}

func (m *GetResultResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.QueryHash, err = f.string()
		case 2:
			m.Kind, err = f.string()
		case 3:
			m.PointIDs, err = f.appendInt64s(m.PointIDs)
		case 4:
			var ct []byte
			ct, err = f.bytes()
			m.EncDistances = append(m.EncDistances, ct)
		case 5:
			m.EncNearestID, err = f.bytes()
		case 6:
			m.EncMinDistance, err = f.bytes()
		case 7:
			m.Complete, err = f.bool()
		case 8:
			m.CreatedAt, err = f.time()
		case 9:
			m.EncMinSquaredDistance, err = f.bytes()
		}
		return err
	})
}

type GetDecryptedRequest struct {
	QueryHash string
}

func (m *GetDecryptedRequest) appendWire(b []byte) []byte {
	return appendString(b, 1, m.QueryHash)
}

func (m *GetDecryptedRequest) unmarshalWire(b []byte) error {
	return unmarshalHash(b, &m.QueryHash)
}

// Match is one revealed point that satisfied the query.
type Match struct {
	PointID  int64
	Distance float64
}

func (m *Match) appendWire(b []byte) []byte {
	b = appendInt64(b, 1, m.PointID)
	return appendDouble(b, 2, m.Distance)
}

func (m *Match) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.PointID, err = f.int64()
		case 2:
			m.Distance, err = f.double()
		}
		return err
	})
}

type GetDecryptedResponse struct {
	QueryHash  string
	Kind       string
	Revealed   bool
	PointIDs   []int64
	Distances  []float64
	Matches    []Match
	RevealedAt time.Time
}

func (m *GetDecryptedResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.QueryHash)
	b = appendString(b, 2, m.Kind)
	b = appendBool(b, 3, m.Revealed)
	b = appendPackedInt64(b, 4, m.PointIDs)
	b = appendPackedDouble(b, 5, m.Distances)
	for i := range m.Matches {
		b = appendMessage(b, 6, &m.Matches[i])
	}
	return appendTime(b, 7, m.RevealedAt)
}

func (m *GetDecryptedResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.QueryHash, err = f.string()
		case 2:
			m.Kind, err = f.string()
		case 3:
			m.Revealed, err = f.bool()
		case 4:
			m.PointIDs, err = f.appendInt64s(m.PointIDs)
		case 5:
			m.Distances, err = f.appendDoubles(m.Distances)
		case 6:
			var match Match
			err = f.message(&match)
			m.Matches = append(m.Matches, match)
		case 7:
			m.RevealedAt, err = f.time()
		}
		return err
	})
}

type RequestRevealRequest struct {
	QueryHash string
}

func (m *RequestRevealRequest) appendWire(b []byte) []byte {
	return appendString(b, 1, m.QueryHash)
}

func (m *RequestRevealRequest) unmarshalWire(b []byte) error {
	return unmarshalHash(b, &m.QueryHash)
}

type RequestRevealResponse struct {
	RequestID string
}

func (m *RequestRevealResponse) appendWire(b []byte) []byte {
	return appendString(b, 1, m.RequestID)
}

func (m *RequestRevealResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			m.RequestID, err = f.string()
		}
		return err
	})
}

type RevealCallbackRequest struct {
	RequestID string
	Cleartext []byte
	Proof     []byte
}

func (m *RevealCallbackRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.RequestID)
	b = appendBytes(b, 2, m.Cleartext)
	return appendBytes(b, 3, m.Proof)
}

func (m *RevealCallbackRequest) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.RequestID, err = f.string()
		case 2:
			m.Cleartext, err = f.bytes()
		case 3:
			m.Proof, err = f.bytes()
		}
		return err
	})
}

type RevealCallbackResponse struct{}

func (m *RevealCallbackResponse) appendWire(b []byte) []byte   { return b }
func (m *RevealCallbackResponse) unmarshalWire(b []byte) error { return skipAll(b) }

type StatsRequest struct{}

func (m *StatsRequest) appendWire(b []byte) []byte   { return b }
func (m *StatsRequest) unmarshalWire(b []byte) error { return skipAll(b) }

type StatsResponse struct {
	Points     int64
	Cells      int
	Pending    int
	Disclosure string
}

func (m *StatsResponse) appendWire(b []byte) []byte {
	b = appendInt64(b, 1, m.Points)
	b = appendInt64(b, 2, int64(m.Cells))
	b = appendInt64(b, 3, int64(m.Pending))
	return appendString(b, 4, m.Disclosure)
}

func (m *StatsResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Points, err = f.int64()
		case 2:
			m.Cells, err = f.int()
		case 3:
			m.Pending, err = f.int()
		case 4:
			m.Disclosure, err = f.string()
		}
		return err
	})
}

type GetPublicKeyRequest struct{}

func (m *GetPublicKeyRequest) appendWire(b []byte) []byte   { return b }
func (m *GetPublicKeyRequest) unmarshalWire(b []byte) error { return skipAll(b) }

// Domain bounds the plaintexts an approximate scheme can compare.
type Domain struct {
	MaxCoord float64
	MinTime  int64
	MaxTime  int64
}

func (m *Domain) appendWire(b []byte) []byte {
	b = appendDouble(b, 1, m.MaxCoord)
	b = appendInt64(b, 2, m.MinTime)
	return appendInt64(b, 3, m.MaxTime)
}

func (m *Domain) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.MaxCoord, err = f.double()
		case 2:
			m.MinTime, err = f.int64()
		case 3:
			m.MaxTime, err = f.int64()
		}
		return err
	})
}

// GetPublicKeyResponse carries what a client needs to encrypt points.
// PublicKey and RelinKey are empty for schemes without public keys.
type GetPublicKeyResponse struct {
	Scheme      string
	Fingerprint string
	PublicKey   []byte
	RelinKey    []byte
	Domain      *Domain
}

func (m *GetPublicKeyResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Scheme)
	b = appendString(b, 2, m.Fingerprint)
	b = appendBytes(b, 3, m.PublicKey)
	b = appendBytes(b, 4, m.RelinKey)
	if m.Domain != nil {
		b = appendMessage(b, 5, m.Domain)
	}
	return b
}

func (m *GetPublicKeyResponse) unmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Scheme, err = f.string()
		case 2:
			m.Fingerprint, err = f.string()
		case 3:
			m.PublicKey, err = f.bytes()
		case 4:
			m.RelinKey, err = f.bytes()
		case 5:
			m.Domain = new(Domain)
			err = f.message(m.Domain)
		}
		return err
	})
}

// unmarshalHash decodes the single-field messages keyed by query_hash.
func unmarshalHash(b []byte, dst *string) error {
	return walk(b, func(f field) (err error) {
		if f.num == 1 {
			*dst, err = f.string()
		}
		return err
	})
}

func skipAll(b []byte) error {
	return walk(b, func(field) error { return nil })
}

func toCiphertexts(bs [][]byte) []fhe.Ciphertext {
	out := make([]fhe.Ciphertext, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

func fromCiphertexts(cts []fhe.Ciphertext) [][]byte {
	out := make([][]byte, len(cts))
	for i, ct := range cts {
		out[i] = ct
	}
	return out
}

func (h *Hint) toGrid() *grid.Hint {
	if h == nil {
		return nil
	}
	return &grid.Hint{Lat: h.Lat, Lon: h.Lon}
}

func toPointResponse(p *model.EncryptedPoint) *GetPointResponse {
	return &GetPointResponse{
		PointID:      p.ID,
		EncLat:       p.EncLat,
		EncLon:       p.EncLon,
		EncTimestamp: p.EncTimestamp,
		Cell:         p.Cell.String(),
		SubmittedAt:  p.SubmittedAt,
	}
}

func toResultResponse(r *model.QueryResult) *GetResultResponse {
	resp := &GetResultResponse{
		QueryHash:    r.Hash.String(),
		Kind:         r.Kind.String(),
		PointIDs:     r.PointIDs,
		EncDistances: fromCiphertexts(r.EncDistances),
		Complete:     r.Complete,
		CreatedAt:    r.CreatedAt,
	}
	if r.Nearest != nil {
		resp.EncNearestID = r.Nearest.EncID
		resp.EncMinDistance = r.Nearest.EncDistance
		resp.EncMinSquaredDistance = r.Nearest.EncSquaredDistance
	}
	return resp
}

func toDecryptedResponse(d *model.DecryptedResult) *GetDecryptedResponse {
	resp := &GetDecryptedResponse{
		QueryHash:  d.Hash.String(),
		Kind:       d.Kind.String(),
		Revealed:   d.Revealed,
		PointIDs:   d.PointIDs,
		Distances:  d.Distances,
		RevealedAt: d.RevealedAt,
	}
	for _, m := range d.Matches() {
		resp.Matches = append(resp.Matches, Match{PointID: m.PointID, Distance: m.Distance})
	}
	return resp
}

func toKeysResponse(k *model.EvaluationKeys) *GetPublicKeyResponse {
	resp := &GetPublicKeyResponse{
		Scheme:      k.Scheme,
		Fingerprint: k.Fingerprint,
		PublicKey:   k.PublicKey,
		RelinKey:    k.RelinKey,
	}
	if k.Domain != nil {
		resp.Domain = &Domain{MaxCoord: k.Domain.MaxCoord, MinTime: k.Domain.MinTime, MaxTime: k.Domain.MaxTime}
	}
	return resp
}
