package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"mercator-hq/aegis/pkg/policy"
)

// Canonical serializes v as RFC 8785 canonical JSON: sorted keys, no
// insignificant whitespace, normalized numbers.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// sealed is the hashed content of a snapshot.
type sealed struct {
	policies      []byte
	thresholds    []byte
	contentHash   string
	thresholdHash string
}

// seal canonicalizes the inputs and computes both hashes.
func seal(set *policy.Set, thresholds Thresholds) (*sealed, error) {
	if set == nil {
		set = &policy.Set{}
	}
	if thresholds == nil {
		thresholds = Thresholds{}
	}
	p, err := Canonical(set)
	if err != nil {
		return nil, fmt.Errorf("policies: %w", err)
	}
	t, err := Canonical(thresholds)
	if err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	return hashPayloads(p, t)
}

// hashPayloads hashes already-serialized payloads. The payloads are
// re-canonicalized first, so a stored payload that was tampered with,
// even only in its formatting, no longer matches its hash.
func hashPayloads(policies, thresholds []byte) (*sealed, error) {
	p, err := jcs.Transform(policies)
	if err != nil {
		return nil, fmt.Errorf("parse policies payload: %w", err)
	}
	t, err := jcs.Transform(thresholds)
	if err != nil {
		return nil, fmt.Errorf("parse thresholds payload: %w", err)
	}

	combined, err := Canonical(map[string]json.RawMessage{
		"policies":   p,
		"thresholds": t,
	})
	if err != nil {
		return nil, err
	}

	return &sealed{
		policies:      p,
		thresholds:    t,
		contentHash:   digest(combined),
		thresholdHash: digest(t),
	}, nil
}

// ContentHash returns the content hash a snapshot of set and thresholds
// would carry. Sync uses it to skip creating identical snapshots.
func ContentHash(set *policy.Set, thresholds Thresholds) (string, error) {
	s, err := seal(set, thresholds)
	if err != nil {
		return "", err
	}
	return s.contentHash, nil
}

// check recomputes both hashes of snap.
func check(snap *Snapshot) error {
	s, err := hashPayloads(snap.PoliciesPayload, snap.ThresholdsPayload)
	if err != nil {
		return &IntegrityError{SnapshotID: snap.ID, Field: "policies_payload", Expected: snap.ContentHash, Actual: err.Error()}
	}
	if string(s.policies) != string(snap.PoliciesPayload) {
		return &IntegrityError{SnapshotID: snap.ID, Field: "policies_payload", Expected: snap.ContentHash, Actual: s.contentHash}
	}
	if string(s.thresholds) != string(snap.ThresholdsPayload) {
		return &IntegrityError{SnapshotID: snap.ID, Field: "thresholds_payload", Expected: snap.ThresholdHash, Actual: s.thresholdHash}
	}
	if s.contentHash != snap.ContentHash {
		return &IntegrityError{SnapshotID: snap.ID, Field: "content_hash", Expected: snap.ContentHash, Actual: s.contentHash}
	}
	if s.thresholdHash != snap.ThresholdHash {
		return &IntegrityError{SnapshotID: snap.ID, Field: "threshold_hash", Expected: snap.ThresholdHash, Actual: s.thresholdHash}
	}
	return nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
