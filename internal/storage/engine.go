// Package storage implements crash-safe, file-backed persistence of
// registered memory regions: CRC-verified restore at startup, an atomic
// rename-based explicit save, and a periodic auto-save tick (spec.md §4.E).
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/conode-linux/conode/internal/coerr"
	"github.com/conode-linux/conode/internal/logging"
	"github.com/conode-linux/conode/internal/metrics"
)

// Flags selects which operations apply to an entry.
type Flags uint8

const (
	Restore Flags = 1 << iota
	CmdSave
	AutoSave
)

// defaultsSentinel is the two-byte file content meaning "use defaults at
// next boot", written by RestoreDefaults.
var defaultsSentinel = []byte("-\n")

// Entry is one registered storage region: a live memory slice backed by a
// file at Path. SubIndex is used to address the entry from the OD (0x1010
// CmdSave, 0x1011 RestoreDefaults) and to index the init-error bitmask.
type Entry struct {
	Name     string
	SubIndex uint8
	Path     string
	Memory   []byte
	Flags    Flags

	mu         sync.Mutex
	file       *os.File
	cachedCRC  uint16
	lastAutoOK bool
	autoFailed bool // debounce state for the rising/falling edge emergency
}

// EmergencyFunc reports a rising (true) or falling (false) emergency edge.
// The emergency subsystem itself is an external collaborator (out of
// scope); the engine only calls this hook.
type EmergencyFunc func(raising bool, subIndex uint8)

// Engine owns a set of entries and the shared object-dictionary lock that
// must be held while serializing an entry's live memory (spec.md §5).
type Engine struct {
	pathPrefix string
	odLock     sync.Locker
	onAutoFail EmergencyFunc

	mu      sync.Mutex
	entries []*Entry
}

// New creates an engine. odLock is the shared object-dictionary mutex
// (held while an entry's bytes are serialized); onAutoFail, if non-nil, is
// called on auto-save failure/recovery edges.
func New(pathPrefix string, odLock sync.Locker, onAutoFail EmergencyFunc) *Engine {
	return &Engine{pathPrefix: pathPrefix, odLock: odLock, onAutoFail: onAutoFail}
}

// Register adds an entry. Call before Init.
func (e *Engine) Register(name string, subIndex uint8, memory []byte, flags Flags) *Entry {
	entry := &Entry{
		Name:     name,
		SubIndex: subIndex,
		Path:     e.pathPrefix + name,
		Memory:   memory,
		Flags:    flags,
	}
	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.mu.Unlock()
	return entry
}

// Init reads every registered entry's file, per spec.md §4.E. It returns a
// bitmask with bit N set iff an entry with sub-index N (clamped to 31)
// failed to restore —
// the storage-init emergency (NON_VOLATILE_MEMORY) is reported by the
// caller once if this is nonzero.
func (e *Engine) Init() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errMask uint32
	for _, entry := range e.entries {
		if err := e.initEntry(entry); err != nil {
			logging.L().Warn("storage_init_failed", "entry", entry.Name, "error", err)
			bit := entry.SubIndex
			if bit > 31 {
				bit = 31
			}
			errMask |= 1 << bit
			metrics.IncStorageRestore(entry.Name, "error")
		} else {
			metrics.IncStorageRestore(entry.Name, "ok")
		}
	}
	return errMask
}

// initEntry restores one entry's live memory from its file, per spec.md
// §4.E. Regardless of which of the four outcomes below is hit (absent,
// defaults-sentinel, corrupt, or a clean restore), an AUTO_SAVE entry's
// file handle is opened before returning, matching
// CO_storageLinux.c's "open file for auto storage, if set so" step, which
// runs unconditionally after the dataCorrupt branch rather than nested
// inside the successful-restore path — otherwise AutoSaveTick (which
// skips any entry with a nil file) would never engage after a fresh first
// boot, a RestoreDefaults, or a corrupted file.
func (e *Engine) initEntry(entry *Entry) error {
	restored, restoreErr := e.restoreEntry(entry)

	if entry.Flags&AutoSave != 0 {
		// writeFileAccess in the original: "r+" only on a clean CRC-verified
		// restore, else the "w" default (create/truncate) for absent,
		// defaults-sentinel, and corrupt alike.
		openFlags := os.O_RDWR
		if !restored {
			openFlags |= os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(entry.Path, openFlags, 0o644)
		if err != nil {
			if restoreErr == nil {
				restoreErr = fmt.Errorf("storage: open %s for auto-save: %w", entry.Path, coerr.Syscall)
			}
		} else {
			entry.file = f
		}
	}
	return restoreErr
}

// restoreEntry reads entry.Path and copies a verified image into
// entry.Memory. restored is true only for a clean CRC-verified restore;
// err is a DataCorrupt-wrapped error for the absent/length-mismatch/
// CRC-mismatch outcomes and nil for either the defaults-sentinel or a
// clean restore.
func (e *Engine) restoreEntry(entry *Entry) (restored bool, err error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return false, fmt.Errorf("storage: %s absent: %w", entry.Path, coerr.DataCorrupt)
	}

	if bytes.Equal(data, defaultsSentinel) {
		logging.L().Info("storage_defaults_requested", "entry", entry.Name)
		return false, nil
	}

	want := len(entry.Memory) + 2
	if len(data) != want {
		return false, fmt.Errorf("storage: %s length %d want %d: %w", entry.Path, len(data), want, coerr.DataCorrupt)
	}
	body := data[:len(entry.Memory)]
	storedCRC := binary.LittleEndian.Uint16(data[len(entry.Memory):])
	if CRC16CCITT(body) != storedCRC {
		return false, fmt.Errorf("storage: %s crc mismatch: %w", entry.Path, coerr.DataCorrupt)
	}
	copy(entry.Memory, body)
	entry.cachedCRC = storedCRC
	return true, nil
}

// Save performs the explicit, crash-safe save described in spec.md §4.E:
// write len+CRC to <path>.tmp, flush, reread and verify, rename <path> ->
// <path>.old (best-effort), then <path>.tmp -> <path>.
func (e *Engine) Save(entry *Entry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.save(entry)
}

func (e *Engine) save(entry *Entry) error {
	e.odLock.Lock()
	image := append([]byte(nil), entry.Memory...)
	crc := CRC16CCITT(image)
	e.odLock.Unlock()

	var buf bytes.Buffer
	buf.Write(image)
	_ = binary.Write(&buf, binary.LittleEndian, crc)

	tmpPath := entry.Path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		metrics.IncStorageSave(entry.Name, false)
		return fmt.Errorf("storage: write %s: %w", tmpPath, coerr.Syscall)
	}
	verify, err := os.ReadFile(tmpPath)
	if err != nil || !bytes.Equal(verify, buf.Bytes()) {
		metrics.IncStorageSave(entry.Name, false)
		return fmt.Errorf("storage: verify %s: %w", tmpPath, coerr.DataCorrupt)
	}
	_ = os.Rename(entry.Path, entry.Path+".old") // best-effort
	if err := os.Rename(tmpPath, entry.Path); err != nil {
		metrics.IncStorageSave(entry.Name, false)
		return fmt.Errorf("storage: commit %s: %w", entry.Path, coerr.Syscall)
	}
	entry.cachedCRC = crc
	metrics.IncStorageSave(entry.Name, true)
	return nil
}

// SaveAllCmdSave runs Save over every CMD_SAVE entry, as triggered by an
// object-dictionary write to 0x1010.
func (e *Engine) SaveAllCmdSave() error {
	e.mu.Lock()
	entries := append([]*Entry(nil), e.entries...)
	e.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if entry.Flags&CmdSave == 0 {
			continue
		}
		if err := e.Save(entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreDefaults implements the object-dictionary write to 0x1011: close
// any open auto-save handle, rename the existing file to .old, and write
// the "-\n" sentinel so the next boot uses defaults.
func (e *Engine) RestoreDefaults(entry *Entry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.file != nil {
		_ = entry.file.Close()
		entry.file = nil
	}
	_ = os.Rename(entry.Path, entry.Path+".old")
	if err := os.WriteFile(entry.Path, defaultsSentinel, 0o644); err != nil {
		return fmt.Errorf("storage: restore-defaults %s: %w", entry.Path, coerr.Syscall)
	}
	return nil
}

// AutoSaveTick computes the CRC over each AUTO_SAVE entry's live memory
// and, if it differs from the cached CRC, rewrites the file in place under
// the object-dictionary lock. Auto-save failure/recovery is debounced: an
// emergency fires only on the rising or falling edge. Returns a bitmask of
// entries (by sub-index, clamped to 31) whose write this tick failed.
func (e *Engine) AutoSaveTick() uint32 {
	e.mu.Lock()
	entries := append([]*Entry(nil), e.entries...)
	e.mu.Unlock()

	var errMask uint32
	for _, entry := range entries {
		if entry.Flags&AutoSave == 0 || entry.file == nil {
			continue
		}
		failed := e.autoSaveOne(entry)
		e.debounce(entry, failed)
		if failed {
			bit := entry.SubIndex
			if bit > 31 {
				bit = 31
			}
			errMask |= 1 << bit
		}
	}
	return errMask
}

func (e *Engine) autoSaveOne(entry *Entry) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	e.odLock.Lock()
	image := append([]byte(nil), entry.Memory...)
	crc := CRC16CCITT(image)
	e.odLock.Unlock()

	if crc == entry.cachedCRC {
		return false
	}

	var buf bytes.Buffer
	buf.Write(image)
	_ = binary.Write(&buf, binary.LittleEndian, crc)

	if _, err := entry.file.Seek(0, 0); err != nil {
		return true
	}
	n, err := entry.file.Write(buf.Bytes())
	if err != nil || n != buf.Len() {
		return true
	}
	if err := entry.file.Sync(); err != nil {
		return true
	}
	entry.cachedCRC = crc
	metrics.IncStorageSave(entry.Name, true)
	return false
}

func (e *Engine) debounce(entry *Entry, failed bool) {
	if failed == entry.autoFailed {
		return // no edge
	}
	entry.autoFailed = failed
	if e.onAutoFail != nil {
		e.onAutoFail(failed, entry.SubIndex)
	}
	if failed {
		metrics.IncStorageSave(entry.Name, false)
	}
}

// Shutdown performs one forced save pass over every entry with an open
// handle and closes them.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	entries := append([]*Entry(nil), e.entries...)
	e.mu.Unlock()

	for _, entry := range entries {
		if entry.Flags&AutoSave != 0 && entry.file != nil {
			entry.mu.Lock()
			if err := e.save(entry); err != nil {
				logging.L().Warn("storage_shutdown_save_failed", "entry", entry.Name, "error", err)
			}
			_ = entry.file.Close()
			entry.file = nil
			entry.mu.Unlock()
		}
	}
}
