// Package cid computes deterministic content identifiers for pipeline units.
//
// Identifiers are CIDv1 strings (raw codec, sha2-256 multihash, base32 multibase),
// so every CID produced here starts with "bafkrei". They are opaque: callers
// compare them, embed them in URIs and use them as map keys, nothing more.
package cid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// URIScheme prefixes a CID when it is used as a resource identifier.
const URIScheme = "ipfs://"

// Compute returns the CIDv1 (raw, sha2-256, base32) of data.
func Compute(data []byte) string {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered; Sum only fails for unknown codes.
		panic("cid: sha2-256 multihash unavailable: " + err.Error())
	}
	return gocid.NewCidV1(gocid.Raw, sum).String()
}

// ComputeString returns the CID of s encoded as UTF-8. Invalid byte sequences
// are replaced with U+FFFD first so that the same text always hashes the same.
func ComputeString(s string) string {
	return Compute([]byte(strings.ToValidUTF8(s, "\uFFFD")))
}

// Combine fingerprints an ordered list of CIDs. It is used when one upstream
// unit fans out into many downstream units and the whole set needs a single key.
func Combine(cids []string) string {
	return ComputeString(strings.Join(cids, "|"))
}

// URI returns the ipfs:// form of c.
func URI(c string) string {
	return URIScheme + c
}

// FromURI extracts the CID from an ipfs:// URI.
func FromURI(uri string) (string, bool) {
	if !strings.HasPrefix(uri, URIScheme) {
		return "", false
	}
	c := strings.TrimPrefix(uri, URIScheme)
	if c == "" {
		return "", false
	}
	return c, true
}

// Valid reports whether c is a decodable CID or a sha256 hex digest.
func Valid(c string) bool {
	if c == "" {
		return false
	}
	if len(c) == sha256.Size*2 {
		if _, err := hex.DecodeString(c); err == nil {
			return true
		}
	}
	_, err := gocid.Decode(c)
	return err == nil
}
