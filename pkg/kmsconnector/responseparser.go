package kmsconnector

import (
	"encoding/json"
	"time"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/distkv/restkmsconnector/pkg/urlpool"
	"github.com/sirupsen/logrus"
)

// InvalidVersion is the sentinel wire version value that always fails
// validation (spec §4.5).
const InvalidVersion = 0

type wireError struct {
	ErrMsg  string `json:"err_msg"`
	ErrCode string `json:"err_code"`
}

type rawCipherKeyDetail struct {
	EncryptDomainID *int64  `json:"encrypt_domain_id"`
	BaseCipherID    *uint64 `json:"base_cipher_id"`
	BaseCipher      []byte  `json:"base_cipher"`
	RefreshAfterSec *int64  `json:"refresh_after_sec"`
	ExpireAfterSec  *int64  `json:"expire_after_sec"`
}

type rawLocation struct {
	ID   *int64  `json:"id"`
	Path *string `json:"path"`
}

type rawBlobMetadataDetail struct {
	DomainID        *int64        `json:"domain_id"`
	Locations       []rawLocation `json:"locations"`
	RefreshAfterSec *int64        `json:"refresh_after_sec"`
	ExpireAfterSec  *int64        `json:"expire_after_sec"`
}

type cipherKeyResponseEnvelope struct {
	Version          *uint32              `json:"version"`
	Error            *wireError           `json:"error"`
	CipherKeyDetails []rawCipherKeyDetail `json:"cipher_key_details"`
	KmsUrls          []json.RawMessage    `json:"kms_urls"`
}

type blobMetadataResponseEnvelope struct {
	Version             *uint32                 `json:"version"`
	Error               *wireError              `json:"error"`
	BlobMetadataDetails []rawBlobMetadataDetail `json:"blob_metadata_details"`
	KmsUrls             []json.RawMessage       `json:"kms_urls"`
}

// ResponseParser validates and extracts typed results from KMS JSON
// responses (C5, spec §4.5). URLRefresh is invoked when a response
// carries a side-band kms_urls array; it is expected to drain and
// repopulate the pool and advance the caller's lastRefreshTs.
type ResponseParser struct {
	MaxSupportedCipherVersion uint32
	MaxSupportedBlobVersion   uint32
	MaxBaseCipherLen          int
	KCV                       KCVFunc
	URLRefresh                func(urls []string)
}

// ParseCipherKeyResponse validates body against the cipher-key family's
// wire schema and returns the typed details.
func (p *ResponseParser) ParseCipherKeyResponse(body []byte) ([]CipherKeyDetail, error) {
	var env cipherKeyResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindMalformedResponse, "invalid JSON", err)
	}
	if env.Version == nil || *env.Version == InvalidVersion || *env.Version > p.MaxSupportedCipherVersion {
		return nil, kmserrors.New(kmserrors.KindMalformedResponse, "unsupported or missing version")
	}
	if env.Error != nil && (env.Error.ErrMsg != "" || env.Error.ErrCode != "") {
		return nil, kmserrors.New(kmserrors.KindKeysFetchFailed, env.Error.ErrMsg)
	}
	if env.CipherKeyDetails == nil {
		return nil, kmserrors.New(kmserrors.KindMalformedResponse, "missing cipher_key_details")
	}

	out := make([]CipherKeyDetail, 0, len(env.CipherKeyDetails))
	for _, raw := range env.CipherKeyDetails {
		if raw.BaseCipherID == nil || raw.BaseCipher == nil || raw.EncryptDomainID == nil {
			return nil, kmserrors.New(kmserrors.KindMalformedResponse, "cipher key detail missing required field")
		}
		if len(raw.BaseCipher) > p.MaxBaseCipherLen {
			return nil, kmserrors.New(kmserrors.KindMaxBaseCipherLen, "base cipher exceeds max length")
		}
		kcvFn := p.KCV
		if kcvFn == nil {
			kcvFn = DefaultKCV
		}
		detail := CipherKeyDetail{
			EncryptDomainID: *raw.EncryptDomainID,
			BaseCipherID:    *raw.BaseCipherID,
			BaseCipher:      raw.BaseCipher,
			KCV:             kcvFn(raw.BaseCipher),
		}
		if raw.RefreshAfterSec != nil && *raw.RefreshAfterSec > 0 {
			detail.RefreshAfterSec = *raw.RefreshAfterSec
		}
		if raw.ExpireAfterSec != nil {
			detail.ExpireAfterSec = *raw.ExpireAfterSec
		}
		out = append(out, detail)
	}

	if err := p.applySideBandRefresh(env.KmsUrls, len(out) > 0); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseBlobMetadataResponse validates body against the blob-metadata
// family's wire schema and returns the typed details, converting
// refresh/expire hints to absolute deadlines relative to now.
func (p *ResponseParser) ParseBlobMetadataResponse(body []byte, now time.Time) ([]BlobMetadataDetail, error) {
	var env blobMetadataResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindMalformedResponse, "invalid JSON", err)
	}
	if env.Version == nil || *env.Version == InvalidVersion || *env.Version > p.MaxSupportedBlobVersion {
		return nil, kmserrors.New(kmserrors.KindMalformedResponse, "unsupported or missing version")
	}
	if env.Error != nil && (env.Error.ErrMsg != "" || env.Error.ErrCode != "") {
		return nil, kmserrors.New(kmserrors.KindKeysFetchFailed, env.Error.ErrMsg)
	}
	if env.BlobMetadataDetails == nil {
		return nil, kmserrors.New(kmserrors.KindMalformedResponse, "missing blob_metadata_details")
	}

	out := make([]BlobMetadataDetail, 0, len(env.BlobMetadataDetails))
	for _, raw := range env.BlobMetadataDetails {
		if raw.DomainID == nil || raw.Locations == nil {
			return nil, kmserrors.New(kmserrors.KindMalformedResponse, "blob metadata detail missing required field")
		}
		locs := make([]Location, 0, len(raw.Locations))
		for _, rl := range raw.Locations {
			if rl.ID == nil || rl.Path == nil {
				return nil, kmserrors.New(kmserrors.KindMalformedResponse, "blob location missing required field")
			}
			locs = append(locs, Location{ID: *rl.ID, Path: *rl.Path})
		}
		detail := BlobMetadataDetail{DomainID: *raw.DomainID, Locations: locs, ExpireAfter: noExpiry}
		if raw.RefreshAfterSec != nil && *raw.RefreshAfterSec > 0 {
			detail.RefreshAfter = now.Add(time.Duration(*raw.RefreshAfterSec) * time.Second)
		}
		if raw.ExpireAfterSec != nil {
			detail.ExpireAfter = now.Add(time.Duration(*raw.ExpireAfterSec) * time.Second)
		}
		out = append(out, detail)
	}

	if err := p.applySideBandRefresh(env.KmsUrls, len(out) > 0); err != nil {
		return nil, err
	}
	return out, nil
}

// applySideBandRefresh implements spec §4.5's asymmetric swallow rule
// (also spec §9 open question ii): once primary details exist, a
// malformed kms_urls is logged but not fatal; when no primary details
// exist, the same malformation is fatal (operation-failed), since there
// is then no other result to fall back on.
func (p *ResponseParser) applySideBandRefresh(raw []json.RawMessage, hadPrimaryDetails bool) error {
	if raw == nil {
		return nil
	}
	urls := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			if !hadPrimaryDetails {
				return kmserrors.New(kmserrors.KindOperationFailed, "non-string kms_urls entry")
			}
			logrus.WithError(err).Warn("malformed kms_urls entry, side-band refresh skipped for this entry")
			continue
		}
		urls = append(urls, normalizeURL(s))
	}
	if len(urls) > 0 && p.URLRefresh != nil {
		p.URLRefresh(urls)
	}
	return nil
}

func normalizeURL(url string) string {
	return urlpool.NewEndpoint(url).URL
}
