// Package fileman implements the virtual-file abstraction over OS files:
// a flat, global page-number space partitioned into fixed-size page
// groups, a two-level file directory, and per-file allocate/free of pages
// organized as a doubly-linked page list (spec §4.1).
package fileman

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/page"
)

// Magic identifies a valid database directory (spec §6).
const Magic uint64 = 0xdefabc1221cbafed

// File-id bit assignment (spec §6): top two bits select WAL vs temporary,
// the low 30 bits are the regular id. Id 0 is reserved for "create new".
const (
	fileIDTempBit = uint32(1) << 31
	fileIDWALBit  = uint32(1) << 30
	fileIDMask    = fileIDTempBit | fileIDWALBit
)

// IsTemp reports whether a file id was minted as a temporary file.
func IsTemp(id uint32) bool { return id&fileIDTempBit != 0 }

// dirEntriesPerPage is how many uint32 entries a directory page holds.
func dirEntriesPerPage() int { return (page.Size - page.HeaderSize) / 4 }

// ─── FM meta page (page 0) ──────────────────────────────────────────────

const (
	fmMagicOff      = page.HeaderSize      // 16
	fmDirPageOff    = fmMagicOff + 8       // 24
	fmFreeHeadOff   = fmDirPageOff + 4     // 28
	fmFreeGroupOff  = fmFreeHeadOff + 4    // 32
	fmFreeNextOff   = fmFreeGroupOff + 4   // 36
	fmLastFileIDOff = fmFreeNextOff + 4    // 40
	fmNextPageIDOff = fmLastFileIDOff + 4  // 44
)

type fmMeta struct {
	DirPage    page.ID
	FreeHead   page.ID // global free-page list head
	FreeGroup  uint32  // last-allocated page group
	FreeNext   uint32  // next free page within last group, for group extension
	LastFileID uint32  // last-allocated file id hint
	NextPageID page.ID // next never-used page number
}

func marshalFMMeta(buf []byte, m fmMeta) {
	h := page.Header{Flags: page.FlagMeta}
	h.Marshal(buf)
	binary.LittleEndian.PutUint64(buf[fmMagicOff:], Magic)
	binary.LittleEndian.PutUint32(buf[fmDirPageOff:], uint32(m.DirPage))
	binary.LittleEndian.PutUint32(buf[fmFreeHeadOff:], uint32(m.FreeHead))
	binary.LittleEndian.PutUint32(buf[fmFreeGroupOff:], m.FreeGroup)
	binary.LittleEndian.PutUint32(buf[fmFreeNextOff:], m.FreeNext)
	binary.LittleEndian.PutUint32(buf[fmLastFileIDOff:], m.LastFileID)
	binary.LittleEndian.PutUint32(buf[fmNextPageIDOff:], uint32(m.NextPageID))
	page.SetCRC(buf)
}

func unmarshalFMMeta(buf []byte) (fmMeta, error) {
	magic := binary.LittleEndian.Uint64(buf[fmMagicOff:])
	if magic != Magic {
		return fmMeta{}, fmt.Errorf("fileman: bad magic %016x", magic)
	}
	return fmMeta{
		DirPage:    page.ID(binary.LittleEndian.Uint32(buf[fmDirPageOff:])),
		FreeHead:   page.ID(binary.LittleEndian.Uint32(buf[fmFreeHeadOff:])),
		FreeGroup:  binary.LittleEndian.Uint32(buf[fmFreeGroupOff:]),
		FreeNext:   binary.LittleEndian.Uint32(buf[fmFreeNextOff:]),
		LastFileID: binary.LittleEndian.Uint32(buf[fmLastFileIDOff:]),
		NextPageID: page.ID(binary.LittleEndian.Uint32(buf[fmNextPageIDOff:])),
	}, nil
}

// ─── Manager ────────────────────────────────────────────────────────────

// Manager is the file manager: raw OS-backed page IO (it implements
// buffer.PageSource) plus the higher-level virtual-file operations that
// run through an attached buffer.Pool once one exists.
type Manager struct {
	dir string

	groupMu sync.Mutex
	groups  map[uint32]*os.File

	metaMu sync.Mutex // serializes allocate/free paths (spec §5)
	pool   *buffer.Pool

	tempMu        sync.Mutex
	temps         map[uint32]*tempBacking
	tempPageOwner map[page.ID]*tempBacking
	nextTempPID   page.ID
}

// Create initializes a fresh database directory and returns its Manager.
func Create(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kernelerr.IO("create db dir", err)
	}
	m := &Manager{
		dir:           dir,
		groups:        map[uint32]*os.File{},
		temps:         map[uint32]*tempBacking{},
		tempPageOwner: map[page.ID]*tempBacking{},
		nextTempPID:   tempPageBase,
	}
	buf := page.New(page.Header{Flags: page.FlagMeta})
	meta := fmMeta{
		DirPage:    page.InvalidID,
		FreeHead:   page.InvalidID,
		FreeGroup:  0,
		FreeNext:   1, // page 0 is FM meta; next free slot in group 0 is 1
		LastFileID: 0,
		NextPageID: 1,
	}
	marshalFMMeta(buf, meta)
	if err := m.WritePage(0, buf); err != nil {
		return nil, err
	}
	return m, nil
}

// Open opens an existing database directory, validating the FM meta magic.
func Open(dir string) (*Manager, error) {
	m := &Manager{
		dir:           dir,
		groups:        map[uint32]*os.File{},
		temps:         map[uint32]*tempBacking{},
		tempPageOwner: map[page.ID]*tempBacking{},
		nextTempPID:   tempPageBase,
	}
	buf, err := m.ReadPage(0)
	if err != nil {
		return nil, err
	}
	if _, err := unmarshalFMMeta(buf); err != nil {
		return nil, err
	}
	return m, nil
}

// AttachPool wires the buffer pool used for cache-coherent higher-level
// operations (file/directory/free-list bookkeeping). Must be called with a
// Pool constructed over this same Manager as PageSource.
func (m *Manager) AttachPool(p *buffer.Pool) { m.pool = p }

// Close flushes the attached pool (if any) and closes backing OS files.
func (m *Manager) Close() error {
	var ferr error
	if m.pool != nil {
		ferr = m.pool.Destroy()
	}
	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	for _, f := range m.groups {
		f.Close()
	}
	return ferr
}

// ─── raw OS-file IO (buffer.PageSource) ────────────────────────────────

func (m *Manager) groupPath(group uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("group-%06d.dat", group))
}

func (m *Manager) groupFile(group uint32) (*os.File, error) {
	m.groupMu.Lock()
	defer m.groupMu.Unlock()
	if f, ok := m.groups[group]; ok {
		return f, nil
	}
	f, err := os.OpenFile(m.groupPath(group), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	groupBytes := int64(page.PagesPerGroup) * int64(page.Size)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < groupBytes {
		// fallocate-style zero-fill via Truncate; falls back to an
		// implicit zero-extend on platforms where that's how sparse
		// files behave (spec §4.1).
		if err := f.Truncate(groupBytes); err != nil {
			f.Close()
			return nil, err
		}
	}
	m.groups[group] = f
	return f, nil
}

// ReadPage reads page id directly from its backing store: a temp file's
// in-memory backing if id belongs to one, else its OS group file.
func (m *Manager) ReadPage(id page.ID) ([]byte, error) {
	if b := m.tempOwner(id); b != nil {
		return b.readPage(id)
	}
	group := uint32(id) / page.PagesPerGroup
	off := int64(uint32(id)%page.PagesPerGroup) * int64(page.Size)
	f, err := m.groupFile(group)
	if err != nil {
		return nil, kernelerr.IO(fmt.Sprintf("open group for page %d", id), err)
	}
	buf := make([]byte, page.Size)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, kernelerr.IO(fmt.Sprintf("read page %d", id), err)
	}
	return buf, nil
}

// WritePage writes buf to page id's backing store (see ReadPage).
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	if b := m.tempOwner(id); b != nil {
		return b.writePage(id, buf)
	}
	group := uint32(id) / page.PagesPerGroup
	off := int64(uint32(id)%page.PagesPerGroup) * int64(page.Size)
	f, err := m.groupFile(group)
	if err != nil {
		return kernelerr.IO(fmt.Sprintf("open group for page %d", id), err)
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		return kernelerr.IO(fmt.Sprintf("write page %d", id), err)
	}
	return nil
}

// ─── global page allocation ─────────────────────────────────────────────

func (m *Manager) readFMMeta() (fmMeta, *buffer.ScopedPin, []byte, error) {
	sp, buf, err := m.pool.Pin(0)
	if err != nil {
		return fmMeta{}, nil, nil, err
	}
	meta, err := unmarshalFMMeta(buf)
	if err != nil {
		sp.Release()
		return fmMeta{}, nil, nil, err
	}
	return meta, sp, buf, nil
}

// AllocateGlobalPage returns a brand-new page number, drawn from the
// global free list if non-empty, else extending the last page group
// (spec §4.1). It does not initialize the page's content.
func (m *Manager) AllocateGlobalPage() (page.ID, error) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	meta, sp, buf, err := m.readFMMeta()
	if err != nil {
		return page.InvalidID, err
	}
	defer sp.Release()

	if meta.FreeHead.Valid() {
		freeSP, freeBuf, err := m.pool.Pin(meta.FreeHead)
		if err != nil {
			return page.InvalidID, err
		}
		id := meta.FreeHead
		h := page.UnmarshalHeader(freeBuf)
		meta.FreeHead = h.Next
		freeSP.Release()
		marshalFMMeta(buf, meta)
		sp.MarkDirty()
		return id, nil
	}

	id := meta.NextPageID
	meta.NextPageID++
	marshalFMMeta(buf, meta)
	sp.MarkDirty()
	return id, nil
}

// FreeGlobalPage zero-fills id's page and prepends it to the global free
// list. Nothing in this package calls it; a temporary file's pages are
// dropped together with its in-memory backing (see dropTempBacking).
func (m *Manager) FreeGlobalPage(id page.ID) error {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	meta, sp, buf, err := m.readFMMeta()
	if err != nil {
		return err
	}
	defer sp.Release()

	pSP, pBuf, err := m.pool.Pin(id)
	if err != nil {
		return err
	}
	for i := range pBuf {
		pBuf[i] = 0
	}
	page.Header{Next: meta.FreeHead}.Marshal(pBuf)
	pSP.MarkDirty()
	pSP.Release()

	meta.FreeHead = id
	marshalFMMeta(buf, meta)
	sp.MarkDirty()
	return nil
}

// ─── file directory (two-level) ─────────────────────────────────────────

// dirLookup returns the meta page number for fileID, or InvalidID if the
// file does not exist.
func (m *Manager) dirLookup(fileID uint32) (page.ID, error) {
	meta, sp, _, err := m.readFMMeta()
	if err != nil {
		return page.InvalidID, err
	}
	defer sp.Release()
	if !meta.DirPage.Valid() {
		return page.InvalidID, nil
	}

	perPage := dirEntriesPerPage()
	l2Index := fileID / uint32(perPage)
	l2Off := fileID % uint32(perPage)

	l1SP, l1Buf, err := m.pool.Pin(meta.DirPage)
	if err != nil {
		return page.InvalidID, err
	}
	defer l1SP.Release()
	l2PID := page.ID(binary.LittleEndian.Uint32(l1Buf[page.HeaderSize+int(l2Index)*4:]))
	if !l2PID.Valid() || l2PID == 0 {
		return page.InvalidID, nil
	}
	l2SP, l2Buf, err := m.pool.Pin(l2PID)
	if err != nil {
		return page.InvalidID, err
	}
	defer l2SP.Release()
	return page.ID(binary.LittleEndian.Uint32(l2Buf[page.HeaderSize+int(l2Off)*4:])), nil
}

// dirInstall writes fileID -> metaPID into the two-level directory,
// lazily allocating directory pages on first use (spec §4.1).
func (m *Manager) dirInstall(fileID uint32, metaPID page.ID) error {
	meta, sp, buf, err := m.readFMMeta()
	if err != nil {
		return err
	}
	if !meta.DirPage.Valid() {
		id, err := m.AllocateGlobalPage()
		if err != nil {
			sp.Release()
			return err
		}
		dsp, dbuf, err := m.pool.Pin(id)
		if err != nil {
			sp.Release()
			return err
		}
		page.Header{Flags: page.FlagMeta}.Marshal(dbuf)
		dsp.MarkDirty()
		dsp.Release()
		meta.DirPage = id
		marshalFMMeta(buf, meta)
		sp.MarkDirty()
	}
	sp.Release()

	perPage := dirEntriesPerPage()
	l2Index := fileID / uint32(perPage)
	l2Off := fileID % uint32(perPage)

	meta, sp, _, err = m.readFMMeta()
	if err != nil {
		return err
	}
	dirPage := meta.DirPage
	sp.Release()

	l1SP, l1Buf, err := m.pool.Pin(dirPage)
	if err != nil {
		return err
	}
	l2PID := page.ID(binary.LittleEndian.Uint32(l1Buf[page.HeaderSize+int(l2Index)*4:]))
	if !l2PID.Valid() || l2PID == 0 {
		id, err := m.AllocateGlobalPage()
		if err != nil {
			l1SP.Release()
			return err
		}
		l2SP, l2Buf, err := m.pool.Pin(id)
		if err != nil {
			l1SP.Release()
			return err
		}
		page.Header{Flags: page.FlagMeta}.Marshal(l2Buf)
		l2SP.MarkDirty()
		l2SP.Release()
		binary.LittleEndian.PutUint32(l1Buf[page.HeaderSize+int(l2Index)*4:], uint32(id))
		l1SP.MarkDirty()
		l2PID = id
	}
	l1SP.Release()

	l2SP, l2Buf, err := m.pool.Pin(l2PID)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(l2Buf[page.HeaderSize+int(l2Off)*4:], uint32(metaPID))
	l2SP.MarkDirty()
	l2SP.Release()
	return nil
}

// nextFileID bumps and returns the next regular file id, skipping the
// reserved id 0.
func (m *Manager) nextFileID(temp bool) (uint32, error) {
	meta, sp, buf, err := m.readFMMeta()
	if err != nil {
		return 0, err
	}
	defer sp.Release()
	meta.LastFileID++
	if meta.LastFileID&fileIDMask != 0 {
		return 0, fmt.Errorf("fileman: file-id namespace exhausted")
	}
	id := meta.LastFileID
	marshalFMMeta(buf, meta)
	sp.MarkDirty()
	if temp {
		id |= fileIDTempBit
	}
	return id, nil
}
