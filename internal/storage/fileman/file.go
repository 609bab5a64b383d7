package fileman

import (
	"encoding/binary"

	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/page"
)

// File-meta-page field offsets, right after the common 16-byte header
// (spec §4.1: "first page, last page hint, per-file free-page list").
const (
	fileFirstOff   = page.HeaderSize      // 16
	fileLastOff    = fileFirstOff + 4     // 20
	fileFreeOff    = fileLastOff + 4      // 24
	fileFreeCntOff = fileFreeOff + 4      // 28
	fileSelfIDOff  = fileFreeCntOff + 4   // 32
)

// File is a virtual file: a doubly-linked list of pages sharing a file id,
// fronted by a persistent meta page recording the head/tail of its
// data-page list and its own small free-page list (spec §4.1).
type File struct {
	mgr     *Manager
	id      uint32
	metaPID page.ID
}

// ID returns the file's identifier.
func (f *File) ID() uint32 { return f.id }

// Pool exposes the buffer pool this file's pages are pinned through, for
// higher layers (heap tables, B+Tree pages) that manipulate page contents
// directly.
func (f *File) Pool() *buffer.Pool { return f.mgr.pool }

type fileMeta struct {
	First    page.ID
	Last     page.ID
	FreeHead page.ID
	FreeCnt  uint32
}

func readFileMeta(buf []byte) fileMeta {
	return fileMeta{
		First:    page.ID(binary.LittleEndian.Uint32(buf[fileFirstOff:])),
		Last:     page.ID(binary.LittleEndian.Uint32(buf[fileLastOff:])),
		FreeHead: page.ID(binary.LittleEndian.Uint32(buf[fileFreeOff:])),
		FreeCnt:  binary.LittleEndian.Uint32(buf[fileFreeCntOff:]),
	}
}

func writeFileMeta(buf []byte, id uint32, fm fileMeta) {
	page.Header{Flags: page.FlagMeta}.Marshal(buf)
	binary.LittleEndian.PutUint32(buf[fileFirstOff:], uint32(fm.First))
	binary.LittleEndian.PutUint32(buf[fileLastOff:], uint32(fm.Last))
	binary.LittleEndian.PutUint32(buf[fileFreeOff:], uint32(fm.FreeHead))
	binary.LittleEndian.PutUint32(buf[fileFreeCntOff:], fm.FreeCnt)
	binary.LittleEndian.PutUint32(buf[fileSelfIDOff:], id)
}

// CreateFile mints a new virtual file (regular or temporary) with an empty
// data-page list. Temporary files never enter the on-disk directory and
// their pages never touch an OS group file (spec §4.1's scratch space for
// external sort runs and materialized join state): their meta page and
// every data page they later allocate are drawn from an in-memory
// tempBacking instead.
func (m *Manager) CreateFile(temp bool) (*File, error) {
	id, err := m.nextFileID(temp)
	if err != nil {
		return nil, err
	}

	var metaPID page.ID
	if temp {
		m.createTempBacking(id)
		metaPID, err = m.allocateTempPage(id)
	} else {
		metaPID, err = m.AllocateGlobalPage()
	}
	if err != nil {
		return nil, err
	}

	sp, buf, err := m.pool.Pin(metaPID)
	if err != nil {
		return nil, err
	}
	writeFileMeta(buf, id, fileMeta{First: page.InvalidID, Last: page.InvalidID, FreeHead: page.InvalidID})
	sp.MarkDirty()
	sp.Release()

	if !temp {
		if err := m.dirInstall(id, metaPID); err != nil {
			return nil, err
		}
	}
	return &File{mgr: m, id: id, metaPID: metaPID}, nil
}

// OpenFile resolves an existing file id to its File handle via the
// directory.
func (m *Manager) OpenFile(fileID uint32) (*File, error) {
	metaPID, err := m.dirLookup(fileID)
	if err != nil {
		return nil, err
	}
	if !metaPID.Valid() {
		return nil, kErrNotFound(fileID)
	}
	return &File{mgr: m, id: fileID, metaPID: metaPID}, nil
}

// FirstPageNumber returns the file's first data page, or InvalidID if the
// file has none yet.
func (f *File) FirstPageNumber() (page.ID, error) {
	sp, buf, err := f.mgr.pool.Pin(f.metaPID)
	if err != nil {
		return page.InvalidID, err
	}
	defer sp.Release()
	return readFileMeta(buf).First, nil
}

// LastPageNumber returns the file's last-known data page (a hint: callers
// iterating next pointers reach the true tail, per spec §4.1).
func (f *File) LastPageNumber() (page.ID, error) {
	sp, buf, err := f.mgr.pool.Pin(f.metaPID)
	if err != nil {
		return page.InvalidID, err
	}
	defer sp.Release()
	return readFileMeta(buf).Last, nil
}

// AllocatePage appends a new page to the file's data-page list, reusing a
// page from the file's own free list first (spec §4.1).
func (f *File) AllocatePage() (page.ID, error) {
	f.mgr.metaMu.Lock()
	defer f.mgr.metaMu.Unlock()

	metaSP, metaBuf, err := f.mgr.pool.Pin(f.metaPID)
	if err != nil {
		return page.InvalidID, err
	}
	defer metaSP.Release()
	fm := readFileMeta(metaBuf)

	var newID page.ID
	if fm.FreeHead.Valid() {
		freeSP, freeBuf, err := f.mgr.pool.Pin(fm.FreeHead)
		if err != nil {
			return page.InvalidID, err
		}
		newID = fm.FreeHead
		h := page.UnmarshalHeader(freeBuf)
		fm.FreeHead = h.Next
		fm.FreeCnt--
		freeSP.Release()
	} else if IsTemp(f.id) {
		newID, err = f.mgr.allocateTempPage(f.id)
		if err != nil {
			return page.InvalidID, err
		}
	} else {
		newID, err = f.mgr.AllocateGlobalPage()
		if err != nil {
			return page.InvalidID, err
		}
	}

	newSP, newBuf, err := f.mgr.pool.Pin(newID)
	if err != nil {
		return page.InvalidID, err
	}
	page.Header{Flags: page.FlagVFile, FileID: f.id, Prev: fm.Last, Next: page.InvalidID}.Marshal(newBuf)
	newSP.MarkDirty()
	newSP.Release()

	if fm.Last.Valid() {
		lastSP, lastBuf, err := f.mgr.pool.Pin(fm.Last)
		if err != nil {
			return page.InvalidID, err
		}
		h := page.UnmarshalHeader(lastBuf)
		h.Next = newID
		h.Marshal(lastBuf)
		lastSP.MarkDirty()
		lastSP.Release()
	}
	fm.Last = newID
	if !fm.First.Valid() {
		fm.First = newID
	}
	writeFileMeta(metaBuf, f.id, fm)
	metaSP.MarkDirty()
	return newID, nil
}

// FreePage unlinks id from the file's data-page list, zero-fills it, and
// prepends it to the file's own free list (spec §4.1).
func (f *File) FreePage(id page.ID) error {
	f.mgr.metaMu.Lock()
	defer f.mgr.metaMu.Unlock()

	metaSP, metaBuf, err := f.mgr.pool.Pin(f.metaPID)
	if err != nil {
		return err
	}
	defer metaSP.Release()
	fm := readFileMeta(metaBuf)

	pSP, pBuf, err := f.mgr.pool.Pin(id)
	if err != nil {
		return err
	}
	h := page.UnmarshalHeader(pBuf)
	prev, next := h.Prev, h.Next

	if prev.Valid() {
		prevSP, prevBuf, err := f.mgr.pool.Pin(prev)
		if err != nil {
			pSP.Release()
			return err
		}
		ph := page.UnmarshalHeader(prevBuf)
		ph.Next = next
		ph.Marshal(prevBuf)
		prevSP.MarkDirty()
		prevSP.Release()
	} else {
		fm.First = next
	}
	if next.Valid() {
		nextSP, nextBuf, err := f.mgr.pool.Pin(next)
		if err != nil {
			pSP.Release()
			return err
		}
		nh := page.UnmarshalHeader(nextBuf)
		nh.Prev = prev
		nh.Marshal(nextBuf)
		nextSP.MarkDirty()
		nextSP.Release()
	} else {
		fm.Last = prev
	}

	for i := range pBuf {
		pBuf[i] = 0
	}
	page.Header{Next: fm.FreeHead}.Marshal(pBuf)
	pSP.MarkDirty()
	pSP.Release()

	fm.FreeHead = id
	fm.FreeCnt++
	writeFileMeta(metaBuf, f.id, fm)
	metaSP.MarkDirty()
	return nil
}

// Close discards a temporary file's in-memory backing entirely. Regular
// files are left resident (closing a handle has no on-disk effect); call
// Close only on temp files obtained from CreateFile(temp=true). Unlike a
// regular file's free pages, a temp file's pages never return to the
// durable global free list — they were never part of it.
func (f *File) Close() error {
	if !IsTemp(f.id) {
		return nil
	}
	f.mgr.dropTempBacking(f.id)
	return nil
}

func kErrNotFound(fileID uint32) error {
	return &notFoundErr{fileID: fileID}
}

type notFoundErr struct{ fileID uint32 }

func (e *notFoundErr) Error() string {
	return "fileman: no such file id"
}
