package sink

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"proctord/internal/proctor"
)

// AuditDomain is the HKDF info string for the audit chain key.
const AuditDomain = "proctord-audit"

// ErrAuditChain is returned when an audit log fails verification.
var ErrAuditChain = errors.New("sink: audit chain broken")

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	ID     string          `json:"id"`
	Seq    uint64          `json:"seq"`
	Prev   string          `json:"prev"`
	Report json.RawMessage `json:"report"`
	MAC    string          `json:"mac"`
}

// Audit appends each report to a JSON-lines file in which every entry is
// keyed to the one before it.
type Audit struct {
	mu   sync.Mutex
	path string
	key  []byte
	file *os.File
	seq  uint64
	last [32]byte
}

// DeriveAuditKey derives the chain key from a configured secret.
func DeriveAuditKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("sink: audit secret is required")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(AuditDomain))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sink: derive audit key: %w", err)
	}
	return key, nil
}

// OpenAudit opens or creates the audit log at path. Existing entries are
// verified and the chain continues from the last one.
func OpenAudit(path string, secret []byte) (*Audit, error) {
	key, err := DeriveAuditKey(secret)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("sink: create audit directory: %w", err)
	}

	a := &Audit{path: path, key: key}
	if f, err := os.Open(path); err == nil {
		n, last, verr := verifyChain(f, key)
		f.Close()
		if verr != nil {
			return nil, verr
		}
		a.seq, a.last = n, last
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("sink: open audit log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("sink: open audit log: %w", err)
	}
	a.file = f
	return a, nil
}

// Path returns the audit log location.
func (a *Audit) Path() string {
	return a.path
}

// Len returns the number of entries in the log.
func (a *Audit) Len() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

func (a *Audit) Report(_ context.Context, r proctor.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sink: encode report: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return errors.New("sink: audit log closed")
	}

	e := AuditEntry{
		ID:     uuid.NewString(),
		Seq:    a.seq + 1,
		Prev:   hex.EncodeToString(a.last[:]),
		Report: payload,
	}
	mac := computeMAC(a.key, a.last, &e)
	e.MAC = hex.EncodeToString(mac[:])

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: encode audit entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := a.file.Write(line); err != nil {
		return fmt.Errorf("sink: write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sink: sync audit log: %w", err)
	}

	a.seq = e.Seq
	a.last = mac
	return nil
}

// Close closes the audit file.
func (a *Audit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// VerifyAudit checks every entry of the log at path and returns the count.
func VerifyAudit(path string, secret []byte) (uint64, error) {
	key, err := DeriveAuditKey(secret)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("sink: open audit log: %w", err)
	}
	defer f.Close()

	n, _, err := verifyChain(f, key)
	return n, err
}

func verifyChain(r io.Reader, key []byte) (uint64, [32]byte, error) {
	var (
		prev [32]byte
		n    uint64
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, prev, fmt.Errorf("%w: entry %d: %v", ErrAuditChain, n+1, err)
		}
		if e.Seq != n+1 {
			return n, prev, fmt.Errorf("%w: entry %d has sequence %d", ErrAuditChain, n+1, e.Seq)
		}
		if e.Prev != hex.EncodeToString(prev[:]) {
			return n, prev, fmt.Errorf("%w: entry %d does not follow its predecessor", ErrAuditChain, e.Seq)
		}
		got, err := hex.DecodeString(e.MAC)
		if err != nil {
			return n, prev, fmt.Errorf("%w: entry %d: bad mac encoding", ErrAuditChain, e.Seq)
		}
		want := computeMAC(key, prev, &e)
		if !hmac.Equal(got, want[:]) {
			return n, prev, fmt.Errorf("%w: entry %d mac mismatch", ErrAuditChain, e.Seq)
		}
		prev = want
		n = e.Seq
	}
	if err := sc.Err(); err != nil {
		return n, prev, fmt.Errorf("sink: read audit log: %w", err)
	}
	return n, prev, nil
}

func computeMAC(key []byte, prev [32]byte, e *AuditEntry) [32]byte {
	h := hmac.New(sha256.New, key)
	h.Write(prev[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	h.Write(seq[:])
	h.Write([]byte(e.ID))
	h.Write(e.Report)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
