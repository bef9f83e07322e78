// Package integrity implements the chained MAC protection subsystem:
// protector (MAC over a document at publish time), validator (re-derive and
// compare, falling back to the previous secret during rotation), and a
// consolidator that periodically chains per-interval level-L entries into
// higher-level proofs.
package integrity

import (
	"context"
	"crypto/hmac"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/store"
)

// SecretsHolder rotates the current HMAC secret, keeping the previous one
// available for validating documents protected before a rotation.
type SecretsHolder struct {
	mu             sync.RWMutex
	currentOID     string
	currentSecret  []byte
	currentTS      int64
	previousOID    string
	previousSecret []byte
}

// NewSecretsHolder seeds the holder with an initial secret under the given
// algorithm OID (dotted string, e.g. "2.16.840.1.101.3.4.2.10" for SHA3-512).
func NewSecretsHolder(oid string, secret []byte) *SecretsHolder {
	return &SecretsHolder{currentOID: oid, currentSecret: secret, currentTS: time.Now().UnixMicro()}
}

// Rotate replaces the current secret, demoting the previous current secret
// to previous.
func (h *SecretsHolder) Rotate(oid string, secret []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.previousOID, h.previousSecret = h.currentOID, h.currentSecret
	h.currentOID, h.currentSecret, h.currentTS = oid, secret, time.Now().UnixMicro()
}

func (h *SecretsHolder) current() (oid string, secret []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentOID, h.currentSecret
}

func (h *SecretsHolder) previous() (oid string, secret []byte, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.previousOID, h.previousSecret, h.previousSecret != nil
}

// mac computes HMAC-SHA3-512 over data using secret.
func mac(secret, data []byte) []byte {
	m := hmac.New(sha3.New512, secret)
	m.Write(data)
	return m.Sum(nil)
}

// Ref is the decoded form of a protection_ref_string: level, id, ts, oid.
type Ref struct {
	Level int
	ID    string
	TS    int64
	OID   string
}

// Encode produces the canonical protection_ref_string.
func (r Ref) Encode() string {
	return fmt.Sprintf("%d:%s:%d:%s", r.Level, r.ID, r.TS, r.OID)
}

// DecodeRef parses a protection_ref_string produced by Encode.
func DecodeRef(s string) (Ref, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("malformed protection ref %q", s)
	}
	level, err := strconv.Atoi(parts[0])
	if err != nil {
		return Ref{}, fmt.Errorf("malformed protection ref level: %w", err)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("malformed protection ref ts: %w", err)
	}
	return Ref{Level: level, ID: parts[1], TS: ts, OID: parts[3]}, nil
}

// Protector computes and persists level-0 MAC entries at publish time.
type Protector struct {
	secrets *SecretsHolder
	facade  store.IntegrityProtectionFacade
	nextID  func() string
}

// NewProtector returns a Protector. nextID generates unique protection ids;
// when nil, a time-based generator is used.
func NewProtector(secrets *SecretsHolder, facade store.IntegrityProtectionFacade, nextID func() string) *Protector {
	if nextID == nil {
		nextID = func() string { return fmt.Sprintf("p%d", time.Now().UnixNano()) }
	}
	return &Protector{secrets: secrets, facade: facade, nextID: nextID}
}

// Protect computes, persists and returns the protection_ref for document.
func (p *Protector) Protect(ctx context.Context, topicID string, document []byte) (string, error) {
	oid, secret := p.secrets.current()
	data := mac(secret, document)
	id := p.nextID()
	ts := time.Now().UnixMicro()

	if err := p.facade.Persist(ctx, topicID, id, data, ts, 0); err != nil {
		return "", mberr.Wrap(mberr.IntegrityProtectionError, err, "persist level-0 protection entry")
	}
	return Ref{Level: 0, ID: id, TS: ts, OID: oid}.Encode(), nil
}

// Validator re-derives and compares the MAC of the entry a protection ref
// names; it does not follow the entry's parent ref up the chain.
type Validator struct {
	secrets *SecretsHolder
	facade  store.IntegrityProtectionFacade
}

func NewValidator(secrets *SecretsHolder, facade store.IntegrityProtectionFacade) *Validator {
	return &Validator{secrets: secrets, facade: facade}
}

// Validate checks that protectionRef's stored MAC matches document, trying
// the current secret then falling back to the previous secret.
func (v *Validator) Validate(ctx context.Context, topicID string, protectionRef string, document []byte) error {
	ref, err := DecodeRef(protectionRef)
	if err != nil {
		return mberr.Wrap(mberr.IntegrityProtectionError, err, "decode protection ref")
	}
	data, _, err := v.facade.ByIDAndTS(ctx, topicID, ref.ID, ref.TS)
	if err != nil {
		return mberr.Wrap(mberr.IntegrityProtectionError, err, "load protection entry")
	}

	_, curSecret := v.secrets.current()
	if hmac.Equal(mac(curSecret, document), data) {
		return nil
	}
	if _, prevSecret, ok := v.secrets.previous(); ok {
		if hmac.Equal(mac(prevSecret, document), data) {
			return nil
		}
	}
	return mberr.Newf(mberr.IntegrityProtectionError, "MAC mismatch for protection ref %q", protectionRef)
}

// Consolidator periodically chains level-L entries into level-(L+1) proofs.
// It must run only on the instance holding the oldest live instance claim;
// callers are responsible for gating RunOnce on that check.
type Consolidator struct {
	facade       store.IntegrityProtectionFacade
	secrets      *SecretsHolder
	maxLevel     int
	bucketSize   int
	bucketWindow time.Duration
	nextID       func() string
}

// NewConsolidator returns a Consolidator. maxLevel bounds the chain depth;
// bucketSize/bucketWindow bound how a bucket of children closes.
func NewConsolidator(facade store.IntegrityProtectionFacade, secrets *SecretsHolder, maxLevel, bucketSize int, bucketWindow time.Duration) *Consolidator {
	return &Consolidator{
		facade: facade, secrets: secrets, maxLevel: maxLevel,
		bucketSize: bucketSize, bucketWindow: bucketWindow,
		nextID: func() string { return fmt.Sprintf("c%d", time.Now().UnixNano()) },
	}
}

// RunOnce performs one consolidation pass over topicID for every level below
// maxLevel, returning the number of buckets closed.
func (c *Consolidator) RunOnce(ctx context.Context, topicID string) (int, error) {
	closed := 0
	now := time.Now().UnixMicro()
	for level := 0; level < c.maxLevel; level++ {
		start, ok, err := c.facade.NextStartingPoint(ctx, topicID, level, now)
		if err != nil {
			return closed, mberr.Wrap(mberr.IntegrityProtectionError, err, "next_starting_point level %d", level)
		}
		if !ok {
			continue
		}
		entries, err := c.facade.BatchInInterval(ctx, topicID, level, start, c.bucketSize)
		if err != nil {
			return closed, mberr.Wrap(mberr.IntegrityProtectionError, err, "batch_in_interval level %d", level)
		}
		if len(entries) == 0 {
			continue
		}
		bucketAge := time.Duration(now-entries[0].TSMicros) * time.Microsecond
		if len(entries) < c.bucketSize && bucketAge < c.bucketWindow {
			continue // bucket not yet closeable
		}

		sort.Slice(entries, func(i, j int) bool {
			if entries[i].TSMicros != entries[j].TSMicros {
				return entries[i].TSMicros < entries[j].TSMicros
			}
			return entries[i].ID < entries[j].ID
		})

		_, secret := c.secrets.current()
		h := hmac.New(sha3.New512, secret)
		for _, e := range entries {
			fmt.Fprintf(h, "%s|%d|%x|", e.ID, e.TSMicros, e.Data)
		}
		parentData := h.Sum(nil)
		parentID := c.nextID()
		parentTS := now

		if err := c.facade.Persist(ctx, topicID, parentID, parentData, parentTS, level+1); err != nil {
			return closed, mberr.Wrap(mberr.IntegrityProtectionError, err, "persist level-%d parent", level+1)
		}
		oid, _ := c.secrets.current()
		parentRef := Ref{Level: level + 1, ID: parentID, TS: parentTS, OID: oid}.Encode()
		for _, e := range entries {
			if e.ParentRef != "" {
				continue // already chained, crash-recovery idempotence
			}
			if err := c.facade.SetProtectionRef(ctx, topicID, e.ID, e.TSMicros, parentRef); err != nil {
				return closed, mberr.Wrap(mberr.IntegrityProtectionError, err, "set_protection_ref")
			}
		}
		closed++
	}
	return closed, nil
}
