package btree

import (
	"github.com/relkit/coredb/internal/index/key"
	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

func headerFor(fileID uint32, leaf, root bool) page.Header {
	if leaf {
		return leafHeader(fileID, root)
	}
	return internalHeader(fileID, root)
}

// Delete removes the leaf record matching (keyRefs, rid) exactly,
// rebalancing the tree on the way back up as needed. Returns false if no
// such record exists.
func (bt *BTree) Delete(keyRefs []types.DatumRef, rid page.RecordID) (bool, error) {
	path, leafPID, err := bt.findLeafPath(keyRefs, rid, false)
	if err != nil {
		return false, err
	}

	sp, buf, err := bt.file.Pool().Pin(leafPID)
	if err != nil {
		return false, err
	}
	n := wrapNode(buf)
	recs := n.AllRecords()
	idx := findInsertIndex(bt.keySchema, true, recs, keyRefs, rid, false)
	if idx > 0 {
		lr := unmarshalLeaf(recs[idx-1])
		if key.Equal(decodeKey(bt.keySchema, lr.Key), keyRefs) && lr.RID == rid {
			recs = append(append([][]byte{}, recs[:idx-1]...), recs[idx:]...)
			sp.Release()
			return true, bt.rewriteLeafAfterDelete(path, leafPID, recs)
		}
	}

	// Boundary-crossing fallback (spec's Open Question on
	// find_deletion_slot_id_on_leaf): descent picks a leaf using the
	// (keyRefs, rid) target, but a split that happened after some earlier
	// operation could in principle have moved the exact record we want
	// just across the boundary onto the next sibling. Peek at that
	// sibling's first record once; if it's our target, re-descend using
	// its own (key, rid) so we get that sibling's own correct ancestor
	// path rather than assuming it shares leafPID's parent.
	_, next := n.siblings()
	sp.Release()
	if !next.Valid() {
		return false, nil
	}
	nsp, nbuf, err := bt.file.Pool().Pin(next)
	if err != nil {
		return false, err
	}
	nn := wrapNode(nbuf)
	nrecs := nn.AllRecords()
	nsp.Release()
	if len(nrecs) == 0 {
		return false, nil
	}
	first := unmarshalLeaf(nrecs[0])
	if !(key.Equal(decodeKey(bt.keySchema, first.Key), keyRefs) && first.RID == rid) {
		return false, nil
	}
	sibKey := decodeKey(bt.keySchema, first.Key)
	sibPath, sibPID, err := bt.findLeafPath(sibKey, first.RID, false)
	if err != nil {
		return false, err
	}
	if sibPID != next {
		kernelerr.Panic("btree: boundary-crossing descent mismatch at page %d", next)
	}
	nrecs = nrecs[1:]
	return true, bt.rewriteLeafAfterDelete(sibPath, sibPID, nrecs)
}

func (bt *BTree) rewriteLeafAfterDelete(path []page.ID, pid page.ID, recs [][]byte) error {
	sp, buf, err := bt.file.Pool().Pin(pid)
	if err != nil {
		return err
	}
	n := wrapNode(buf)
	prev, next := n.siblings()
	root := n.IsRoot()
	n.Rewrite(leafHeader(bt.file.ID(), root), prev, next, recs)
	sp.MarkDirty()
	sp.Release()
	if root {
		return nil
	}
	return bt.handleMinUsage(path, pid, true)
}

// handleMinUsage checks pid's usage against the min-page-usage threshold
// and, if it falls short, tries to merge it with a sibling under the same
// parent (preferred) or else rebalance by borrowing one record from
// whichever sibling has slack (spec §3). Siblings are found via the
// parent's own child list, not pid's stored sibling pointers, since a
// node's same-level neighbor can belong to a different parent's subtree
// at a tree edge.
func (bt *BTree) handleMinUsage(path []page.ID, pid page.ID, leaf bool) error {
	if len(path) == 0 {
		return nil
	}
	parentPID := path[len(path)-1]
	parentPath := path[:len(path)-1]

	sp, buf, err := bt.file.Pool().Pin(pid)
	if err != nil {
		return err
	}
	n := wrapNode(buf)
	used := n.sl.UsedBytes()
	sp.Release()
	if used >= minUsageBytes() {
		return nil
	}

	psp, pbuf, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		return err
	}
	parentNode := wrapNode(pbuf)
	parentRecs := parentNode.AllRecords()
	psp.Release()

	childIdx := -1
	for i, r := range parentRecs {
		if unmarshalInternal(r).Child == pid {
			childIdx = i
			break
		}
	}
	if childIdx < 0 {
		kernelerr.Panic("btree: page %d not found among parent %d's children", pid, parentPID)
	}

	leftSib, rightSib := page.InvalidID, page.InvalidID
	if childIdx > 0 {
		leftSib = unmarshalInternal(parentRecs[childIdx-1]).Child
	}
	if childIdx < len(parentRecs)-1 {
		rightSib = unmarshalInternal(parentRecs[childIdx+1]).Child
	}

	if leftSib.Valid() {
		merged, err := bt.mergeChildren(parentPID, leftSib, pid, leaf)
		if err != nil {
			return err
		}
		if merged {
			return bt.afterParentShrink(parentPath, parentPID)
		}
	}
	if rightSib.Valid() {
		merged, err := bt.mergeChildren(parentPID, pid, rightSib, leaf)
		if err != nil {
			return err
		}
		if merged {
			return bt.afterParentShrink(parentPath, parentPID)
		}
	}
	if leftSib.Valid() {
		return bt.rebalanceBorrowFromLeft(parentPID, leftSib, pid, leaf)
	}
	if rightSib.Valid() {
		return bt.rebalanceBorrowFromRight(parentPID, pid, rightSib, leaf)
	}
	return nil
}

// afterParentShrink follows a successful child merge, which removed one
// separator record from the parent. If the parent is the root and that
// leaves it with only its sentinel (one child, no separators), the tree
// shrinks by a level; otherwise the parent itself is checked against the
// min-usage threshold.
func (bt *BTree) afterParentShrink(parentPath []page.ID, parentPID page.ID) error {
	sp, buf, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		return err
	}
	n := wrapNode(buf)
	root := n.IsRoot()
	count := dataSlotCount(n)
	sp.Release()

	if !root {
		return bt.handleMinUsage(parentPath, parentPID, false)
	}
	if count != 1 {
		return nil
	}

	sp2, buf2, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		return err
	}
	sole := unmarshalInternal(wrapNode(buf2).sl.GetRecord(dataSlotID(0)))
	sp2.Release()

	if err := bt.withNode(sole.Child, func(nn node) { nn.setRoot(true) }); err != nil {
		return err
	}
	if err := bt.setRoot(sole.Child); err != nil {
		return err
	}
	return bt.file.FreePage(parentPID)
}

// mergeChildren absorbs rightPID's records into leftPID, removing the
// parent's separator for rightPID and freeing rightPID. For internal
// pages, the parent's separator is pulled down to become the key of
// rightPID's former sentinel record, which can no longer be the first
// record once concatenated after leftPID's own entries (spec §4.5).
// Returns false, performing no change, if the combined records would not
// fit on one page.
func (bt *BTree) mergeChildren(parentPID page.ID, leftPID, rightPID page.ID, leaf bool) (bool, error) {
	lsp, lbuf, err := bt.file.Pool().Pin(leftPID)
	if err != nil {
		return false, err
	}
	left := wrapNode(lbuf)
	leftRecs := left.AllRecords()
	leftPrev, _ := left.siblings()

	rsp, rbuf, err := bt.file.Pool().Pin(rightPID)
	if err != nil {
		lsp.Release()
		return false, err
	}
	right := wrapNode(rbuf)
	rightRecs := right.AllRecords()
	_, rightNext := right.siblings()

	psp, pbuf, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		lsp.Release()
		rsp.Release()
		return false, err
	}
	parent := wrapNode(pbuf)
	parentRecs := parent.AllRecords()
	sepIdx := -1
	for i, r := range parentRecs {
		if unmarshalInternal(r).Child == rightPID {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		kernelerr.Panic("btree: merge: right child %d not found in parent %d", rightPID, parentPID)
	}
	sepRec := unmarshalInternal(parentRecs[sepIdx])

	merged := append(append([][]byte{}, leftRecs...), rightRecs...)
	if !leaf && len(rightRecs) > 0 {
		rightSentinel := unmarshalInternal(rightRecs[0])
		merged[len(leftRecs)] = marshalInternal(internalRec{Child: rightSentinel.Child, Separator: sepRec.Separator, Key: sepRec.Key})
	}

	if !fitsOnPage(merged) {
		psp.Release()
		lsp.Release()
		rsp.Release()
		return false, nil
	}

	left.Rewrite(headerFor(bt.file.ID(), leaf, left.IsRoot()), leftPrev, rightNext, merged)
	lsp.MarkDirty()
	lsp.Release()
	rsp.Release()

	if rightNext.Valid() {
		if err := bt.withNode(rightNext, func(nn node) { nn.SetPrev(leftPID) }); err != nil {
			psp.Release()
			return false, err
		}
	}

	newParentRecs := append(append([][]byte{}, parentRecs[:sepIdx]...), parentRecs[sepIdx+1:]...)
	parentRoot := parent.IsRoot()
	parentPrev, parentNext := parent.siblings()
	parent.Rewrite(internalHeader(bt.file.ID(), parentRoot), parentPrev, parentNext, newParentRecs)
	psp.MarkDirty()
	psp.Release()

	if err := bt.file.FreePage(rightPID); err != nil {
		return false, err
	}
	return true, nil
}

// rebalanceBorrowFromLeft moves leftPID's last record to the front of
// rightPID, adjusting the parent separator between them to match the new
// boundary. Used when neither sibling can absorb the other via merge.
func (bt *BTree) rebalanceBorrowFromLeft(parentPID page.ID, leftPID, rightPID page.ID, leaf bool) error {
	lsp, lbuf, err := bt.file.Pool().Pin(leftPID)
	if err != nil {
		return err
	}
	left := wrapNode(lbuf)
	leftRecs := left.AllRecords()
	if len(leftRecs) == 0 {
		lsp.Release()
		return nil
	}
	borrowed := leftRecs[len(leftRecs)-1]
	leftRecs = leftRecs[:len(leftRecs)-1]
	leftPrev, leftNext := left.siblings()
	left.Rewrite(headerFor(bt.file.ID(), leaf, left.IsRoot()), leftPrev, leftNext, leftRecs)
	lsp.MarkDirty()

	rsp, rbuf, err := bt.file.Pool().Pin(rightPID)
	if err != nil {
		lsp.Release()
		return err
	}
	right := wrapNode(rbuf)
	rightRecs := right.AllRecords()
	_, rightNext := right.siblings()

	psp, pbuf, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		lsp.Release()
		rsp.Release()
		return err
	}
	parent := wrapNode(pbuf)
	parentRecs := parent.AllRecords()
	sepIdx := -1
	for i, r := range parentRecs {
		if unmarshalInternal(r).Child == rightPID {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		kernelerr.Panic("btree: rebalance: right child %d not found in parent %d", rightPID, parentPID)
	}

	var newRightFirst []byte
	var newSepKey []types.DatumRef
	var newSepRID page.RecordID

	if leaf {
		lr := unmarshalLeaf(borrowed)
		newRightFirst = borrowed
		newSepKey, newSepRID = decodeKey(bt.keySchema, lr.Key), lr.RID
	} else {
		ir := unmarshalInternal(borrowed)
		oldSep := unmarshalInternal(parentRecs[sepIdx])
		oldSentinel := unmarshalInternal(rightRecs[0])
		rightRecs[0] = marshalInternal(internalRec{Child: oldSentinel.Child, Separator: oldSep.Separator, Key: oldSep.Key})
		newRightFirst = marshalInternal(internalRec{Child: ir.Child, Sentinel: true})
		newSepKey, newSepRID = decodeKey(bt.keySchema, ir.Key), ir.Separator
	}
	rightRecs = append([][]byte{newRightFirst}, rightRecs...)
	right.Rewrite(headerFor(bt.file.ID(), leaf, right.IsRoot()), leftPID, rightNext, rightRecs)
	rsp.MarkDirty()

	parentRecs[sepIdx] = marshalInternal(internalRec{Child: rightPID, Separator: newSepRID, Key: encodeKey(bt.keySchema, newSepKey)})
	parentRoot := parent.IsRoot()
	parentPrev, parentNext := parent.siblings()
	parent.Rewrite(internalHeader(bt.file.ID(), parentRoot), parentPrev, parentNext, parentRecs)
	psp.MarkDirty()

	lsp.Release()
	rsp.Release()
	psp.Release()
	return nil
}

// rebalanceBorrowFromRight is rebalanceBorrowFromLeft's mirror image:
// rightPID's first record moves to the end of leftPID.
func (bt *BTree) rebalanceBorrowFromRight(parentPID page.ID, leftPID, rightPID page.ID, leaf bool) error {
	rsp, rbuf, err := bt.file.Pool().Pin(rightPID)
	if err != nil {
		return err
	}
	right := wrapNode(rbuf)
	rightRecs := right.AllRecords()
	if len(rightRecs) == 0 {
		rsp.Release()
		return nil
	}
	borrowed := rightRecs[0]
	rightRecs = rightRecs[1:]
	rightPrev, rightNext := right.siblings()

	lsp, lbuf, err := bt.file.Pool().Pin(leftPID)
	if err != nil {
		rsp.Release()
		return err
	}
	left := wrapNode(lbuf)
	leftRecs := left.AllRecords()
	leftPrev, leftNext := left.siblings()

	psp, pbuf, err := bt.file.Pool().Pin(parentPID)
	if err != nil {
		lsp.Release()
		rsp.Release()
		return err
	}
	parent := wrapNode(pbuf)
	parentRecs := parent.AllRecords()
	sepIdx := -1
	for i, r := range parentRecs {
		if unmarshalInternal(r).Child == rightPID {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		kernelerr.Panic("btree: rebalance: right child %d not found in parent %d", rightPID, parentPID)
	}

	var newSepKey []types.DatumRef
	var newSepRID page.RecordID

	if leaf {
		lr := unmarshalLeaf(borrowed)
		leftRecs = append(leftRecs, borrowed)
		if len(rightRecs) > 0 {
			nr := unmarshalLeaf(rightRecs[0])
			newSepKey, newSepRID = decodeKey(bt.keySchema, nr.Key), nr.RID
		} else {
			newSepKey, newSepRID = decodeKey(bt.keySchema, lr.Key), lr.RID
		}
	} else {
		oldSep := unmarshalInternal(parentRecs[sepIdx])
		borrowedSentinel := unmarshalInternal(borrowed)
		leftRecs = append(leftRecs, marshalInternal(internalRec{Child: borrowedSentinel.Child, Separator: oldSep.Separator, Key: oldSep.Key}))
		if len(rightRecs) > 0 {
			nr := unmarshalInternal(rightRecs[0])
			newSepKey, newSepRID = decodeKey(bt.keySchema, nr.Key), nr.Separator
			rightRecs[0] = marshalInternal(internalRec{Child: nr.Child, Sentinel: true})
		}
	}

	left.Rewrite(headerFor(bt.file.ID(), leaf, left.IsRoot()), leftPrev, leftNext, leftRecs)
	lsp.MarkDirty()
	right.Rewrite(headerFor(bt.file.ID(), leaf, right.IsRoot()), rightPrev, rightNext, rightRecs)
	rsp.MarkDirty()

	parentRecs[sepIdx] = marshalInternal(internalRec{Child: rightPID, Separator: newSepRID, Key: encodeKey(bt.keySchema, newSepKey)})
	parentRoot := parent.IsRoot()
	parentPrevP, parentNextP := parent.siblings()
	parent.Rewrite(internalHeader(bt.file.ID(), parentRoot), parentPrevP, parentNextP, parentRecs)
	psp.MarkDirty()

	lsp.Release()
	rsp.Release()
	psp.Release()
	return nil
}
