// Package ruledist implements the rule distribution agent: buffering rule
// fragments per ruleBaseVersion, detecting gap-free completion, building
// the in-memory rule base, and acknowledging the distributor on the
// commitment port once this node has everything.
package ruledist

import (
	"context"
	"fmt"
	"net"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
	"github.com/lyzr/control-node/common/logger"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("staged_fragments")

type staging struct {
	total     int
	fragments map[int]*ruleengine.Fragment
	canonical map[int][]byte
}

// Agent is the per-channel rule distribution agent living inside one
// control node.
type Agent struct {
	log    *logger.Logger
	db     *bolt.DB
	commit string // commitment endpoint, e.g. "127.0.0.1:30000"
	nodeID string

	mu      sync.RWMutex
	staged  map[uint64]*staging
	active  map[uint64]*ruleengine.RuleBase
}

// New creates a rule distribution agent. boltPath, if non-empty, opens a
// bbolt file into which each newly staged fragment's canonical encoding is
// written under the key "version:index". New does not read stored
// fragments back, so a restarted agent starts with empty staging. An empty
// path runs purely in memory (used by tests).
func New(log *logger.Logger, boltPath, commitmentEndpoint, nodeID string) (*Agent, error) {
	a := &Agent{
		log:    log,
		commit: commitmentEndpoint,
		nodeID: nodeID,
		staged: make(map[uint64]*staging),
		active: make(map[uint64]*ruleengine.RuleBase),
	}

	if boltPath != "" {
		db, err := bolt.Open(boltPath, 0600, nil)
		if err != nil {
			return nil, fmt.Errorf("open rule store snapshot db: %w", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("init rule store snapshot bucket: %w", err)
		}
		a.db = db
	}

	return a, nil
}

// Close releases the durable snapshot store, if any.
func (a *Agent) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// ReceiveFragment stages one rule fragment datagram. When the version's
// totalFragments have all arrived without gaps, the rule base is built and
// marked Active, and a commitment ACK is sent to the distributor.
// Redelivery of an identical fragment is a no-op; redelivery of a
// different fragment for an Active version is ErrRuleVersionConflict.
func (a *Agent) ReceiveFragment(ctx context.Context, version uint64, fragmentIndex, totalFragments int, payload []byte) error {
	frag, err := ruleengine.ParseFragment(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", controlerr.ErrMalformedPayload, err)
	}
	canonical, err := frag.Canonical()
	if err != nil {
		return fmt.Errorf("%w: %v", controlerr.ErrMalformedPayload, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, isActive := a.active[version]; isActive {
		// The version is already Active: only an identical redelivery is
		// tolerated.
		st := a.staged[version]
		if st == nil || st.canonical[fragmentIndex] == nil {
			return &controlerr.RuleVersionConflict{RuleBaseVersion: version, FragmentIndex: fragmentIndex}
		}
		if !jsonPatchEqual(st.canonical[fragmentIndex], canonical) {
			return &controlerr.RuleVersionConflict{RuleBaseVersion: version, FragmentIndex: fragmentIndex}
		}
		return nil
	}

	st, ok := a.staged[version]
	if !ok {
		st = &staging{total: totalFragments, fragments: make(map[int]*ruleengine.Fragment), canonical: make(map[int][]byte)}
		a.staged[version] = st
	}

	if existing, seen := st.canonical[fragmentIndex]; seen {
		if jsonPatchEqual(existing, canonical) {
			return nil // idempotent redelivery, no-op
		}
		return &controlerr.RuleVersionConflict{RuleBaseVersion: version, FragmentIndex: fragmentIndex}
	}

	st.fragments[fragmentIndex] = frag
	st.canonical[fragmentIndex] = canonical
	a.persist(version, fragmentIndex, canonical)

	if len(st.fragments) < st.total {
		return nil
	}

	// Every fragment present without gaps: build and activate.
	ordered := make([]*ruleengine.Fragment, 0, len(st.fragments))
	for i := 0; i < st.total; i++ {
		f, present := st.fragments[i]
		if !present {
			return nil // still has a gap at a lower index than totalFragments implied
		}
		ordered = append(ordered, f)
	}

	rb := ruleengine.Build(version, ordered)
	a.active[version] = rb

	go a.sendCommitmentACK(version)

	return nil
}

// jsonPatchEqual reports whether two canonical fragment encodings are
// equivalent JSON (their merge patch diff is empty), so field reordering
// never produces a false conflict.
func jsonPatchEqual(a, b []byte) bool {
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return false
	}
	return string(patch) == "{}" || len(patch) == 0
}

// IsActive reports whether a version has been fully assembled at this node.
func (a *Agent) IsActive(version uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.active[version]
	return ok
}

// Snapshot returns the immutable rule base for an Active version.
func (a *Agent) Snapshot(version uint64) (*ruleengine.RuleBase, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rb, ok := a.active[version]
	return rb, ok
}

func (a *Agent) persist(version uint64, fragmentIndex int, canonical []byte) {
	if a.db == nil {
		return
	}
	if err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := fmt.Sprintf("%d:%d", version, fragmentIndex)
		return b.Put([]byte(key), canonical)
	}); err != nil {
		a.log.Warn("failed to persist staged fragment", "version", version, "index", fragmentIndex, "error", err)
	}
}

// sendCommitmentACK notifies the distributor on the commitment port that
// this node has fully assembled and activated a version.
func (a *Agent) sendCommitmentACK(version uint64) {
	conn, err := net.Dial("udp", a.commit)
	if err != nil {
		a.log.Error("failed to dial commitment endpoint", "endpoint", a.commit, "error", err)
		return
	}
	defer conn.Close()

	msg := fmt.Sprintf("ACK node=%s version=%d", a.nodeID, version)
	if _, err := conn.Write([]byte(msg)); err != nil {
		a.log.Error("failed to send commitment ACK", "error", err)
		return
	}
	a.log.Info("rule base activated", "version", version, "node", a.nodeID)
}
