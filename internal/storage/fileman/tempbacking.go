package fileman

import (
	"fmt"

	"github.com/dsnet/golib/memfile"
	"github.com/google/uuid"

	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/page"
)

// tempPageBase is the first page id ever handed out to a temp-file page.
// Regular pages are allocated starting at 1 and grow by one per use
// (fmMeta.NextPageID); no realistic run ever reaches this sub-range, so
// reserving it for temp-backed pages needs no coordination with the
// regular global page counter (spec §6 does the analogous split on file
// ids; this is the page-id counterpart needed once temp pages stopped
// living in the OS group files).
const tempPageBase = page.ID(0xC0000000)

// tempBacking is one temp file's page storage: an in-memory
// memfile.File growing by page.Size increments, addressed by the global
// page ids the Manager hands that file (not by a local 0-based index,
// so a page id alone is enough to find its bytes).
type tempBacking struct {
	name    string // uuid tag, surfaced only in diagnostics
	mem     *memfile.File
	offsets map[page.ID]int64
	size    int64
}

func newTempBacking() *tempBacking {
	return &tempBacking{
		name:    uuid.New().String(),
		mem:     memfile.New(nil),
		offsets: map[page.ID]int64{},
	}
}

// reserve extends the backing by one zero-filled page and records id's
// offset within it.
func (b *tempBacking) reserve(id page.ID) error {
	off := b.size
	b.size += int64(page.Size)
	zero := make([]byte, page.Size)
	if _, err := b.mem.WriteAt(zero, off); err != nil {
		return kernelerr.IO(fmt.Sprintf("zero-extend temp page %d (%s)", id, b.name), err)
	}
	b.offsets[id] = off
	return nil
}

func (b *tempBacking) readPage(id page.ID) ([]byte, error) {
	off, ok := b.offsets[id]
	if !ok {
		kernelerr.Panic("fileman: temp backing %s has no page %d", b.name, id)
	}
	buf := make([]byte, page.Size)
	if _, err := b.mem.ReadAt(buf, off); err != nil {
		return nil, kernelerr.IO(fmt.Sprintf("read temp page %d (%s)", id, b.name), err)
	}
	return buf, nil
}

func (b *tempBacking) writePage(id page.ID, buf []byte) error {
	off, ok := b.offsets[id]
	if !ok {
		kernelerr.Panic("fileman: temp backing %s has no page %d", b.name, id)
	}
	if _, err := b.mem.WriteAt(buf, off); err != nil {
		return kernelerr.IO(fmt.Sprintf("write temp page %d (%s)", id, b.name), err)
	}
	return nil
}

// ─── Manager-side temp-file bookkeeping ─────────────────────────────────

// createTempBacking registers a fresh in-memory backing for a just-minted
// temp file id.
func (m *Manager) createTempBacking(fileID uint32) {
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	m.temps[fileID] = newTempBacking()
}

// allocateTempPage mints the next page id for fileID's temp backing,
// drawn from a Manager-wide counter distinct from the regular global one.
func (m *Manager) allocateTempPage(fileID uint32) (page.ID, error) {
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	b, ok := m.temps[fileID]
	if !ok {
		kernelerr.Panic("fileman: allocateTempPage on unknown temp file %d", fileID)
	}
	id := m.nextTempPID
	m.nextTempPID++
	if err := b.reserve(id); err != nil {
		return page.InvalidID, err
	}
	m.tempPageOwner[id] = b
	return id, nil
}

// dropTempBacking discards fileID's entire in-memory backing and every
// page id it owns. Called from File.Close on a temp file: unlike a
// regular file's pages, which return to the durable global free list for
// reuse, a temp file's pages simply cease to exist (spec §4.1's temp
// files are scratch space for sorts and joins, never persisted).
func (m *Manager) dropTempBacking(fileID uint32) {
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	b, ok := m.temps[fileID]
	if !ok {
		return
	}
	for id := range b.offsets {
		delete(m.tempPageOwner, id)
	}
	delete(m.temps, fileID)
}

// tempOwner returns the backing owning id, or nil if id is not a
// temp-backed page.
func (m *Manager) tempOwner(id page.ID) *tempBacking {
	if id < tempPageBase {
		return nil
	}
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	return m.tempPageOwner[id]
}
