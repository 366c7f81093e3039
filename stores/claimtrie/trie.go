package claimtrie

import (
	"context"
	"sort"
	"sync"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/dolthub/swiss"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// outpointRef locates the claim or support living at an outpoint.
type outpointRef struct {
	name    string
	claimID model.ClaimID
	support bool
}

// undoEntry is the serialized form of one pre-block node snapshot. A nil
// Node records that the name did not exist before the block.
type undoEntry struct {
	Name []byte `json:"name"`
	Node *node  `json:"node"`
}

// Trie is the single-writer in-memory claim state. Readers take the shared
// lock; the chain synchronizer is the only caller of the mutating methods.
type Trie struct {
	mu        sync.RWMutex
	logger    ulogger.Logger
	persister Persister

	delayFactor uint32
	maxDelay    uint32

	nodes      map[string]*node
	claimNames *swiss.Map[model.ClaimID, string]
	outpoints  map[model.OutPoint]outpointRef

	// activations schedules the names with a claim or support becoming
	// active at a future height.
	activations map[uint32]map[string]struct{}

	// undo holds, per applied height, the pre-block snapshot of every node
	// the block touched.
	undo map[uint32]map[string]*node

	// touched collects the names mutated by ops since the last ApplyBlock.
	touched map[string]struct{}

	height  uint32
	started bool
}

func NewTrie(ctx context.Context, logger ulogger.Logger, persister Persister, delayFactor, maxDelay uint32) (*Trie, error) {
	if delayFactor == 0 {
		delayFactor = 1
	}

	t := &Trie{
		logger:      logger,
		persister:   persister,
		delayFactor: delayFactor,
		maxDelay:    maxDelay,
		nodes:       map[string]*node{},
		claimNames:  swiss.NewMap[model.ClaimID, string](1024),
		outpoints:   map[model.OutPoint]outpointRef{},
		activations: map[uint32]map[string]struct{}{},
		undo:        map[uint32]map[string]*node{},
		touched:     map[string]struct{}{},
	}

	if err := t.load(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Trie) load(ctx context.Context) error {
	nodeBlobs, undoBlobs, height, ok, err := t.persister.Load(ctx)
	if err != nil {
		return err
	}

	for name, blob := range nodeBlobs {
		n := &node{}
		if err = json.Unmarshal(blob, n); err != nil {
			return errors.NewCorruptIndexError("claimtrie: persisted node %q does not parse", name, err)
		}

		t.nodes[name] = n
		t.indexNode(name, n)
	}

	for h, blob := range undoBlobs {
		var entries []undoEntry
		if err = json.Unmarshal(blob, &entries); err != nil {
			return errors.NewCorruptIndexError("claimtrie: undo state for height %d does not parse", h, err)
		}

		snaps := make(map[string]*node, len(entries))
		for _, e := range entries {
			snaps[string(e.Name)] = e.Node
		}

		t.undo[h] = snaps
	}

	t.height = height
	t.started = ok
	t.rebuildActivations(height)

	if ok {
		t.logger.Infof("[ClaimTrie] loaded %d names at height %d", len(t.nodes), height)
	}

	return nil
}

func (t *Trie) Close() error {
	return t.persister.Close()
}

func (t *Trie) Height() (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.height, t.started
}

func (t *Trie) nextHeight() uint32 {
	if !t.started {
		return 0
	}

	return t.height + 1
}

// delayFor computes the activation delay at the given height: proportional
// to the incumbent's tenure, capped, zero when the name is uncontrolled.
func (t *Trie) delayFor(n *node, height uint32) uint32 {
	if n == nil || n.Controlling == nil {
		return 0
	}

	delay := (height - n.LastTakeover) / t.delayFactor
	if delay > t.maxDelay {
		delay = t.maxDelay
	}

	return delay
}

// snapshot records the pre-block state of a name the first time the block
// touches it.
func (t *Trie) snapshot(height uint32, name string) {
	snaps := t.undo[height]
	if snaps == nil {
		snaps = map[string]*node{}
		t.undo[height] = snaps
	}

	if _, ok := snaps[name]; ok {
		return
	}

	if n := t.nodes[name]; n != nil {
		snaps[name] = n.clone()
	} else {
		snaps[name] = nil
	}
}

func (t *Trie) markTouched(name string) {
	t.touched[name] = struct{}{}
}

func (t *Trie) scheduleActivation(name string, activeAt, height uint32) {
	if activeAt <= height {
		return
	}

	names := t.activations[activeAt]
	if names == nil {
		names = map[string]struct{}{}
		t.activations[activeAt] = names
	}

	names[name] = struct{}{}
}

func (t *Trie) rebuildActivations(height uint32) {
	t.activations = map[uint32]map[string]struct{}{}

	for name, n := range t.nodes {
		for _, c := range n.Claims {
			t.scheduleActivation(name, c.ActiveAt, height)
		}

		for _, s := range n.Supports {
			t.scheduleActivation(name, s.ActiveAt, height)
		}
	}
}

func (t *Trie) indexNode(name string, n *node) {
	for _, c := range n.Claims {
		t.claimNames.Put(c.ClaimID, name)
		t.outpoints[c.OutPoint] = outpointRef{name: name, claimID: c.ClaimID}
	}

	for _, s := range n.Supports {
		t.outpoints[s.OutPoint] = outpointRef{name: name, claimID: s.ClaimID, support: true}
	}
}

func (t *Trie) ApplyClaim(op Op, height uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if height != t.nextHeight() {
		return errors.NewInvalidArgumentError("claimtrie: op for height %d, expected %d", height, t.nextHeight())
	}

	switch op := op.(type) {
	case AddClaim:
		t.addClaim(op, height)
		return nil
	case UpdateClaim:
		return t.updateClaim(op, height)
	case AddSupport:
		t.addSupport(op, height)
		return nil
	case Abandon:
		t.abandon(op, height)
		return nil
	default:
		return errors.NewInvalidArgumentError("claimtrie: unknown op %T", op)
	}
}

func (t *Trie) addClaim(op AddClaim, height uint32) {
	name := string(op.Name)
	t.snapshot(height, name)

	n := t.nodes[name]
	if n == nil {
		n = &node{}
		t.nodes[name] = n
	}

	n.NextSequence++

	c := &Claim{
		ClaimID:        model.NewClaimID(op.OutPoint),
		OutPoint:       op.OutPoint,
		Amount:         op.Amount,
		Value:          op.Value,
		AcceptedHeight: height,
		OriginHeight:   height,
		ActiveAt:       height + t.delayFor(n, height),
		Sequence:       n.NextSequence,
	}

	n.Claims = append(n.Claims, c)
	t.claimNames.Put(c.ClaimID, name)
	t.outpoints[op.OutPoint] = outpointRef{name: name, claimID: c.ClaimID}
	t.markTouched(name)
	t.scheduleActivation(name, c.ActiveAt, height)
}

func (t *Trie) updateClaim(op UpdateClaim, height uint32) error {
	name, ok := t.claimNames.Get(op.ClaimID)
	if !ok || name != string(op.Name) {
		return errors.NewNotFoundError("claimtrie: update of unknown claim %s for %q", op.ClaimID, op.Name)
	}

	t.snapshot(height, name)

	n := t.nodes[name]
	c := n.claim(op.ClaimID)

	delete(t.outpoints, c.OutPoint)

	c.OutPoint = op.OutPoint
	c.Amount = op.Amount
	c.Value = op.Value
	c.AcceptedHeight = height

	// an already-active claim keeps its position; a pending one re-arms
	if !c.active(height) {
		c.ActiveAt = height + t.delayFor(n, height)
		t.scheduleActivation(name, c.ActiveAt, height)
	}

	t.outpoints[op.OutPoint] = outpointRef{name: name, claimID: c.ClaimID}
	t.markTouched(name)

	return nil
}

func (t *Trie) addSupport(op AddSupport, height uint32) {
	name := string(op.Name)
	t.snapshot(height, name)

	n := t.nodes[name]
	if n == nil {
		n = &node{}
		t.nodes[name] = n
	}

	// supporting the incumbent never needs a delay
	var delay uint32
	if n.Controlling == nil || *n.Controlling != op.ClaimID {
		delay = t.delayFor(n, height)
	}

	s := &Support{
		OutPoint:       op.OutPoint,
		ClaimID:        op.ClaimID,
		Amount:         op.Amount,
		AcceptedHeight: height,
		ActiveAt:       height + delay,
	}

	n.Supports = append(n.Supports, s)
	t.outpoints[op.OutPoint] = outpointRef{name: name, claimID: op.ClaimID, support: true}
	t.markTouched(name)
	t.scheduleActivation(name, s.ActiveAt, height)
}

func (t *Trie) abandon(op Abandon, height uint32) {
	ref, ok := t.outpoints[op.OutPoint]
	if !ok {
		return
	}

	t.snapshot(height, ref.name)

	n := t.nodes[ref.name]

	delete(t.outpoints, op.OutPoint)

	if ref.support {
		n.removeSupport(op.OutPoint)
	} else {
		n.removeClaim(ref.claimID)
		t.claimNames.Delete(ref.claimID)

		if n.Controlling != nil && *n.Controlling == ref.claimID {
			n.Controlling = nil
		}
	}

	t.markTouched(ref.name)
}

func (t *Trie) ApplyBlock(ctx context.Context, height uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if height != t.nextHeight() {
		return errors.NewInvalidArgumentError("claimtrie: block at height %d, expected %d", height, t.nextHeight())
	}

	names := map[string]struct{}{}
	for name := range t.touched {
		names[name] = struct{}{}
	}

	for name := range t.activations[height] {
		names[name] = struct{}{}
	}

	// every applied height owns an undo entry, even an empty one
	if t.undo[height] == nil {
		t.undo[height] = map[string]*node{}
	}

	for name := range names {
		n := t.nodes[name]
		if n == nil {
			continue
		}

		t.snapshot(height, name)
		t.takeoverCheck(n, height)

		if len(n.Claims) == 0 && len(n.Supports) == 0 {
			delete(t.nodes, name)
		}
	}

	if err := t.commit(ctx, height); err != nil {
		t.revertBlock(height)
		return err
	}

	delete(t.activations, height)
	t.touched = map[string]struct{}{}
	t.height = height
	t.started = true

	return nil
}

// revertBlock restores the pre-block snapshots after a failed commit, so the
// in-memory state matches the persisted height and the block's ops can be
// offered again without duplicating claims.
func (t *Trie) revertBlock(height uint32) {
	for name, snap := range t.undo[height] {
		t.restoreNode(name, snap)
	}

	delete(t.undo, height)
	t.touched = map[string]struct{}{}
	t.rebuildActivations(t.height)
}

// takeoverCheck recomputes control of a name at the end of a block. An
// uncontrolled name activates all pending claims and supports immediately;
// a change of best active claim moves control and resets the tenure clock.
func (t *Trie) takeoverCheck(n *node, height uint32) {
	if n.Controlling == nil {
		for _, c := range n.Claims {
			if c.ActiveAt > height {
				c.ActiveAt = height
			}
		}

		for _, s := range n.Supports {
			if s.ActiveAt > height {
				s.ActiveAt = height
			}
		}
	}

	best := n.best(height)

	switch {
	case best == nil:
		n.Controlling = nil
	case n.Controlling == nil || *n.Controlling != best.ClaimID:
		id := best.ClaimID
		n.Controlling = &id
		n.LastTakeover = height
	}
}

func (t *Trie) commit(ctx context.Context, height uint32) error {
	snaps := t.undo[height]

	nodeBlobs := make(map[string][]byte, len(snaps))
	undoEntries := make([]undoEntry, 0, len(snaps))

	for name, snap := range snaps {
		undoEntries = append(undoEntries, undoEntry{Name: []byte(name), Node: snap})

		n := t.nodes[name]
		if n == nil {
			nodeBlobs[name] = nil
			continue
		}

		blob, err := json.Marshal(n)
		if err != nil {
			return errors.NewProcessingError("claimtrie: marshal node %q", name, err)
		}

		nodeBlobs[name] = blob
	}

	undoBlob, err := json.Marshal(undoEntries)
	if err != nil {
		return errors.NewProcessingError("claimtrie: marshal undo for height %d", height, err)
	}

	return t.persister.SaveBlock(ctx, height, nodeBlobs, undoBlob)
}

func (t *Trie) RollbackToHeight(ctx context.Context, height uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || height > t.height {
		return errors.NewInvalidArgumentError("claimtrie: rollback to %d but tip is %d", height, t.height)
	}

	if height == t.height {
		return nil
	}

	changed := map[string]struct{}{}

	for h := t.height; h > height; h-- {
		snaps, ok := t.undo[h]
		if !ok {
			return errors.NewCorruptIndexError("claimtrie: no undo state for height %d", h)
		}

		for name, snap := range snaps {
			t.restoreNode(name, snap)
			changed[name] = struct{}{}
		}

		delete(t.undo, h)
	}

	t.rebuildActivations(height)

	nodeBlobs := make(map[string][]byte, len(changed))

	for name := range changed {
		n := t.nodes[name]
		if n == nil {
			nodeBlobs[name] = nil
			continue
		}

		blob, err := json.Marshal(n)
		if err != nil {
			return errors.NewProcessingError("claimtrie: marshal node %q", name, err)
		}

		nodeBlobs[name] = blob
	}

	if err := t.persister.RollbackTo(ctx, height, nodeBlobs); err != nil {
		return err
	}

	t.height = height
	t.touched = map[string]struct{}{}

	return nil
}

// restoreNode replaces the live node for a name with its snapshot, keeping
// the claim-id and outpoint indexes in step.
func (t *Trie) restoreNode(name string, snap *node) {
	if cur := t.nodes[name]; cur != nil {
		for _, c := range cur.Claims {
			t.claimNames.Delete(c.ClaimID)
			delete(t.outpoints, c.OutPoint)
		}

		for _, s := range cur.Supports {
			delete(t.outpoints, s.OutPoint)
		}
	}

	if snap == nil {
		delete(t.nodes, name)
		return
	}

	t.nodes[name] = snap
	t.indexNode(name, snap)
}

func (t *Trie) entry(name string, n *node, c *Claim) *ClaimEntry {
	return &ClaimEntry{
		ClaimID:         c.ClaimID,
		Name:            []byte(name),
		OutPoint:        c.OutPoint,
		Amount:          c.Amount,
		EffectiveAmount: n.effectiveAmount(c, t.height),
		Value:           c.Value,
		AcceptedHeight:  c.AcceptedHeight,
		OriginHeight:    c.OriginHeight,
		ActiveAt:        c.ActiveAt,
		Sequence:        c.Sequence,
		Controlling:     n.Controlling != nil && *n.Controlling == c.ClaimID,
	}
}

func (t *Trie) ResolveName(name []byte) (*ClaimEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.nodes[string(name)]
	if n == nil || n.Controlling == nil {
		return nil, errors.NewNotFoundError("claimtrie: no controlling claim for %q", name)
	}

	c := n.claim(*n.Controlling)
	if c == nil {
		return nil, errors.NewCorruptIndexError("claimtrie: controlling claim %s missing for %q", *n.Controlling, name)
	}

	return t.entry(string(name), n, c), nil
}

func (t *Trie) GetClaimsForName(name []byte) ([]*ClaimEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.nodes[string(name)]
	if n == nil {
		return []*ClaimEntry{}, nil
	}

	entries := make([]*ClaimEntry, 0, len(n.Claims))
	for _, c := range n.Claims {
		entries = append(entries, t.entry(string(name), n, c))
	}

	// best first; pending claims have zero effective amount and sink
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]

		if a.EffectiveAmount != b.EffectiveAmount {
			return a.EffectiveAmount > b.EffectiveAmount
		}

		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}

		if a.OriginHeight != b.OriginHeight {
			return a.OriginHeight < b.OriginHeight
		}

		return a.ClaimID.String() < b.ClaimID.String()
	})

	return entries, nil
}

func (t *Trie) GetClaimByID(claimID model.ClaimID) (*ClaimEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	name, ok := t.claimNames.Get(claimID)
	if !ok {
		return nil, errors.NewNotFoundError("claimtrie: no claim %s", claimID)
	}

	n := t.nodes[name]
	if n == nil {
		return nil, errors.NewCorruptIndexError("claimtrie: claim %s indexed under missing name %q", claimID, name)
	}

	c := n.claim(claimID)
	if c == nil {
		return nil, errors.NewCorruptIndexError("claimtrie: claim %s missing from name %q", claimID, name)
	}

	return t.entry(name, n, c), nil
}

func (t *Trie) ClaimAtOutPoint(outpoint model.OutPoint) (*ClaimEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, ok := t.outpoints[outpoint]
	if !ok || ref.support {
		return nil, false
	}

	n := t.nodes[ref.name]
	if n == nil {
		return nil, false
	}

	c := n.claim(ref.claimID)
	if c == nil {
		return nil, false
	}

	return t.entry(ref.name, n, c), true
}

func (t *Trie) SupportAtOutPoint(outpoint model.OutPoint) (model.ClaimID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, ok := t.outpoints[outpoint]
	if !ok || !ref.support {
		return model.ClaimID{}, false
	}

	return ref.claimID, true
}
