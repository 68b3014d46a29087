package kmsconnector

import "time"

// CipherKeyDetail is the typed result of a single cipher-key lookup (spec
// §3). KCV is computed on parse, never supplied by the caller.
type CipherKeyDetail struct {
	EncryptDomainID int64
	BaseCipherID    uint64
	BaseCipher      []byte
	KCV             uint32

	// RefreshAfterSec and ExpireAfterSec are surfaced verbatim, in seconds,
	// as returned by the KMS. A refresh_after_sec <= 0 on the wire is
	// treated as absent and left at zero here; expire_after_sec is copied
	// whenever present, including zero and negative values.
	RefreshAfterSec int64
	ExpireAfterSec  int64
}

// Location is a single blob-storage location record inside a
// BlobMetadataDetail.
type Location struct {
	ID   int64
	Path string
}

// BlobMetadataDetail is the typed result of a single blob-metadata lookup.
// Unlike CipherKeyDetail, refresh/expire are converted to absolute
// deadlines at parse time (spec §4.5) since blob metadata has no
// equivalent downstream cache that redoes this conversion itself.
type BlobMetadataDetail struct {
	DomainID  int64
	Locations []Location

	RefreshAfter time.Time
	ExpireAfter  time.Time
}

// noExpiry is the sentinel used when a KMS omits expire_after_sec for a
// blob-metadata entry: "+infinity" per spec §4.5, represented as the zero
// Time's maximum practical stand-in.
var noExpiry = time.Unix(1<<62, 0)

// RequestKind distinguishes the three RPC surfaces of spec §6.
type RequestKind int

const (
	RequestByKeyIDs RequestKind = iota
	RequestLatestByDomainIDs
	RequestBlobMetadataByDomainIDs
)

// KeyID names a single cipher key: the domain it belongs to and its id.
// EncryptDomainID is optional on the wire for by-key-ids requests (a KMS
// that indexes purely by base_cipher_id may not need it), hence the
// pointer.
type KeyID struct {
	BaseCipherID    uint64
	EncryptDomainID *int64
}

// ByKeyIDsRequest asks for specific cipher keys by (domain, id) pair.
type ByKeyIDsRequest struct {
	KeyIDs  []KeyID
	DebugID string // empty means "not supplied"
}

// ByKeyIDsReply carries either Details or Err, never both.
type ByKeyIDsReply struct {
	Details []CipherKeyDetail
	Err     error
}

// LatestByDomainIDsRequest asks for the current cipher key of each listed
// domain.
type LatestByDomainIDsRequest struct {
	DomainIDs []int64
	DebugID   string
}

type LatestByDomainIDsReply struct {
	Details []CipherKeyDetail
	Err     error
}

// BlobMetadataRequest asks for blob-storage location metadata for each
// listed domain.
type BlobMetadataRequest struct {
	DomainIDs []int64
	DebugID   string
}

type BlobMetadataReply struct {
	Details []BlobMetadataDetail
	Err     error
}
