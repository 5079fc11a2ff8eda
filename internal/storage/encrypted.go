package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Key derivation and cipher parameters.
const (
	DefaultIterations = 100000
	saltSize          = 16
	keySize           = 32

	KDFAlgorithm = "PBKDF2-HMAC-SHA256"
	CipherName   = "AES-256-GCM"

	metadataFile   = ".encryption_key"
	backupPrefix   = metadataFile + ".backup."
	recordSuffix   = ".enc"
	rotatingSuffix = ".rotating"
	tmpSuffix      = ".tmp"
)

// KeyMetadata is the key-derivation record kept beside the ciphertext files.
// It never contains the passphrase or the derived key. Check is a constant
// sealed under the derived key so a passphrase can be verified before any
// record file is touched.
type KeyMetadata struct {
	Salt       []byte    `json:"salt"`
	Iterations int       `json:"iterations"`
	Algorithm  string    `json:"algorithm"`
	Cipher     string    `json:"cipher"`
	CreatedAt  time.Time `json:"created_at"`
	KeyID      string    `json:"key_id"`
	Check      []byte    `json:"check"`
}

// EncryptionInfo describes the active key for operators.
type EncryptionInfo struct {
	Dir        string    `json:"dir"`
	Algorithm  string    `json:"algorithm"`
	Cipher     string    `json:"cipher"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
	KeyID      string    `json:"key_id"`
	Records    int       `json:"records"`
	Backups    []string  `json:"backups"`
}

// RotationResult summarizes a completed key rotation.
type RotationResult struct {
	Records    int    `json:"records"`
	OldKeyID   string `json:"old_key_id"`
	NewKeyID   string `json:"new_key_id"`
	BackupPath string `json:"backup_path"`
}

// EncryptedConfig configures an EncryptedStore.
type EncryptedConfig struct {
	Dir        string
	Passphrase string
	// Iterations applies only when a new key is created. Zero means DefaultIterations.
	Iterations int
	Clock      clock.Clock
}

// EncryptedStore writes each record as its own AES-256-GCM ciphertext file
// named {type}_{id}.enc. The nonce is prepended to the ciphertext and the
// record name is bound as additional data.
//
// Within a process, record writes and reads share the rotation lock and
// RotateKey holds it exclusively. Across processes the same split is kept by
// an advisory lock on <dir>/.lock, and every operation re-reads the key
// metadata so a handle follows a rotation made by another process when its
// passphrase still verifies.
type EncryptedStore struct {
	dir   string
	clock clock.Clock

	rot sync.RWMutex
	key atomic.Pointer[keyState]
}

// keyState is a verified key and the passphrase it was derived from.
type keyState struct {
	aead       cipher.AEAD
	meta       KeyMetadata
	passphrase string
}

const keyCheckName = "key_check"

var (
	keyCheckPlain = []byte("accesswatch-key-check")

	errKeyMismatch = errors.New("passphrase does not verify against key metadata")
)

// OpenEncrypted opens (or initializes) an encrypted store. A passphrase that
// does not verify against the stored key metadata is a ConfigurationError, and
// in that case no file in the directory is modified.
func OpenEncrypted(cfg EncryptedConfig) (*EncryptedStore, error) {
	if cfg.Passphrase == "" {
		return nil, errs.Configuration("encryption passphrase is required", map[string]string{"dir": cfg.Dir}, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultIterations
	}
	errCtx := map[string]string{"dir": cfg.Dir}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, storageErr(BackendEncrypted, "open", errCtx, err)
	}

	lock, err := lockDir(cfg.Dir, true)
	if err != nil {
		return nil, storageErr(BackendEncrypted, "lock", errCtx, err)
	}
	defer lock.release()

	key, err := loadOrInitKey(cfg)
	if err != nil {
		return nil, err
	}
	if err := recoverRotation(cfg.Dir, key.aead); err != nil {
		return nil, storageErr(BackendEncrypted, "recover", errCtx, err)
	}

	s := &EncryptedStore{dir: cfg.Dir, clock: cfg.Clock}
	s.key.Store(key)
	return s, nil
}

// loadOrInitKey verifies cfg.Passphrase against the existing metadata, or
// creates a new key when the directory holds no records yet.
func loadOrInitKey(cfg EncryptedConfig) (*keyState, error) {
	errCtx := map[string]string{"dir": cfg.Dir}
	metaPath := filepath.Join(cfg.Dir, metadataFile)

	meta, err := readMetadata(metaPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		names, err := listRecordFiles(cfg.Dir, "")
		if err != nil {
			return nil, storageErr(BackendEncrypted, "list", errCtx, err)
		}
		if len(names) > 0 {
			return nil, errs.Configuration("key metadata is missing for existing encrypted records", errCtx, nil)
		}
		key, err := newKey(cfg.Passphrase, cfg.Iterations, cfg.Clock.Now())
		if err != nil {
			return nil, storageErr(BackendEncrypted, "init_key", errCtx, err)
		}
		if err := writeAtomic(metaPath, mustJSON(key.meta)); err != nil {
			return nil, storageErr(BackendEncrypted, "init_key", errCtx, err)
		}
		return key, nil
	case err != nil:
		return nil, storageErr(BackendEncrypted, "read_key_metadata", errCtx, err)
	}

	key, err := openKey(cfg.Passphrase, meta)
	if errors.Is(err, errKeyMismatch) {
		return nil, errs.Configuration("encryption passphrase does not match existing data",
			mergeCtx(errCtx, "key_id", meta.KeyID), err)
	}
	if err != nil {
		return nil, storageErr(BackendEncrypted, "derive_key", errCtx, err)
	}
	return key, nil
}

// newKey derives a key from a fresh salt and seals the key check under it.
func newKey(passphrase string, iterations int, now time.Time) (*keyState, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	meta := KeyMetadata{
		Salt:       salt,
		Iterations: iterations,
		Algorithm:  KDFAlgorithm,
		Cipher:     CipherName,
		CreatedAt:  now.UTC(),
		KeyID:      uuid.NewString(),
	}
	aead, err := deriveAEAD(passphrase, meta)
	if err != nil {
		return nil, err
	}
	if meta.Check, err = seal(aead, keyCheckName, keyCheckPlain); err != nil {
		return nil, fmt.Errorf("seal key check: %w", err)
	}
	return &keyState{aead: aead, meta: meta, passphrase: passphrase}, nil
}

// openKey derives the key for meta and verifies it against meta.Check.
func openKey(passphrase string, meta KeyMetadata) (*keyState, error) {
	aead, err := deriveAEAD(passphrase, meta)
	if err != nil {
		return nil, err
	}
	plain, err := unseal(aead, keyCheckName, meta.Check)
	if err != nil || !bytes.Equal(plain, keyCheckPlain) {
		return nil, errKeyMismatch
	}
	return &keyState{aead: aead, meta: meta, passphrase: passphrase}, nil
}

func readMetadata(path string) (KeyMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyMetadata{}, err
	}
	var meta KeyMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return KeyMetadata{}, fmt.Errorf("parse key metadata: %w", err)
	}
	if len(meta.Salt) != saltSize || meta.Iterations <= 0 || len(meta.Check) == 0 {
		return KeyMetadata{}, fmt.Errorf("key metadata is incomplete")
	}
	if meta.Algorithm != KDFAlgorithm || meta.Cipher != CipherName {
		return KeyMetadata{}, fmt.Errorf("unsupported key metadata %s/%s", meta.Algorithm, meta.Cipher)
	}
	return meta, nil
}

func deriveAEAD(passphrase string, meta KeyMetadata) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), meta.Salt, meta.Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, name string, plain []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(name)), nil
}

func unseal(aead cipher.AEAD, name string, data []byte) ([]byte, error) {
	if len(data) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(name))
}

// recoverRotation finishes or discards an interrupted rotation. Rotating
// files that decrypt under the verified current key were written after the
// metadata commit and replace their originals; anything else predates the
// commit and is removed. Callers hold the exclusive directory lock.
func recoverRotation(dir string, aead cipher.AEAD) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		case strings.HasSuffix(name, recordSuffix+rotatingSuffix):
			target := strings.TrimSuffix(name, rotatingSuffix)
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if _, err := unseal(aead, strings.TrimSuffix(target, recordSuffix), data); err == nil {
				if err := os.Rename(path, filepath.Join(dir, target)); err != nil {
					return err
				}
				continue
			}
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// acquire takes the in-process rotation lock and the directory lock, then
// brings the key in line with the metadata on disk. The returned func
// releases both.
func (s *EncryptedStore) acquire(op string, exclusive bool) (*keyState, func(), error) {
	if exclusive {
		s.rot.Lock()
	} else {
		s.rot.RLock()
	}
	unlockRot := func() {
		if exclusive {
			s.rot.Unlock()
		} else {
			s.rot.RUnlock()
		}
	}
	lock, err := lockDir(s.dir, exclusive)
	if err != nil {
		unlockRot()
		return nil, nil, storageErr(BackendEncrypted, op, map[string]string{"dir": s.dir}, err)
	}
	release := func() {
		lock.release()
		unlockRot()
	}
	key, err := s.refreshKey(op)
	if err != nil {
		release()
		return nil, nil, err
	}
	return key, release, nil
}

// refreshKey re-reads the key metadata. When another process has rotated the
// key, the new key is adopted if this handle's passphrase verifies against it;
// otherwise the handle can no longer read or write and must be reopened.
func (s *EncryptedStore) refreshKey(op string) (*keyState, error) {
	cur := s.key.Load()
	meta, err := readMetadata(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return nil, storageErr(BackendEncrypted, op, map[string]string{"dir": s.dir}, err)
	}
	if meta.KeyID == cur.meta.KeyID {
		return cur, nil
	}
	next, err := openKey(cur.passphrase, meta)
	if err != nil {
		return nil, errs.Storage("encryption key was rotated by another process; reopen the store with the new passphrase",
			map[string]string{
				"backend":    BackendEncrypted,
				"operation":  op,
				"dir":        s.dir,
				"key_id":     cur.meta.KeyID,
				"new_key_id": meta.KeyID,
			}, err)
	}
	s.key.CompareAndSwap(cur, next)
	return next, nil
}

func recordName(typ, id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return typ + "_" + id, nil
}

func (s *EncryptedStore) writeRecord(aead cipher.AEAD, name string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ct, err := seal(aead, name, plain)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, name+recordSuffix), ct)
}

func (s *EncryptedStore) readRecord(aead cipher.AEAD, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+recordSuffix))
	if err != nil {
		return nil, err
	}
	plain, err := unseal(aead, name, data)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plain, nil
}

// listRecordFiles returns record names (without suffix) in dir with the
// given type prefix, or all records when typ is empty, sorted.
func listRecordFiles(dir, typ string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, recordSuffix) {
			continue
		}
		if typ != "" && !strings.HasPrefix(n, typ+"_") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, recordSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (s *EncryptedStore) listRecords(typ string) ([]string, error) {
	return listRecordFiles(s.dir, typ)
}

func (s *EncryptedStore) persist(ctx context.Context, op, typ, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendEncrypted, op, nil, err)
	}
	name, err := recordName(typ, id)
	if err != nil {
		return storageErr(BackendEncrypted, op, map[string]string{"id": id}, err)
	}
	key, release, err := s.acquire(op, false)
	if err != nil {
		return err
	}
	defer release()
	if err := s.writeRecord(key.aead, name, v); err != nil {
		return storageErr(BackendEncrypted, op, map[string]string{"record": name}, err)
	}
	return nil
}

func (s *EncryptedStore) PersistKPI(ctx context.Context, k model.KPIRecord) error {
	return s.persist(ctx, "persist_kpi", TypeKPI, k.Key(), k)
}

func (s *EncryptedStore) PersistViolation(ctx context.Context, v model.Violation) error {
	if err := v.Validate(); err != nil {
		return storageErr(BackendEncrypted, "persist_violation", map[string]string{"violation_id": v.ViolationID}, err)
	}
	return s.persist(ctx, "persist_violation", TypeViolation, v.ViolationID, v)
}

func (s *EncryptedStore) PersistAlert(ctx context.Context, a model.Alert) error {
	if err := a.Validate(); err != nil {
		return storageErr(BackendEncrypted, "persist_alert", map[string]string{"alert_id": a.AlertID}, err)
	}
	return s.persist(ctx, "persist_alert", TypeAlert, a.AlertID, a)
}

// loadAll decrypts every record of typ and passes its plaintext to fn.
func (s *EncryptedStore) loadAll(ctx context.Context, op, typ string, fn func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return storageErr(BackendEncrypted, op, nil, err)
	}
	key, release, err := s.acquire(op, false)
	if err != nil {
		return err
	}
	defer release()

	names, err := s.listRecords(typ)
	if err != nil {
		return storageErr(BackendEncrypted, op, map[string]string{"dir": s.dir}, err)
	}
	for _, name := range names {
		plain, err := s.readRecord(key.aead, name)
		if err != nil {
			return storageErr(BackendEncrypted, op, map[string]string{"record": name}, err)
		}
		if err := fn(plain); err != nil {
			return storageErr(BackendEncrypted, op, map[string]string{"record": name}, err)
		}
	}
	return nil
}

func (s *EncryptedStore) QueryViolations(ctx context.Context, appID string, state model.ViolationState) ([]model.Violation, error) {
	all, err := s.LoadViolations(ctx, appID)
	if err != nil {
		return nil, err
	}
	return filterViolations(all, appID, state), nil
}

func (s *EncryptedStore) LoadKPIs(ctx context.Context, appID string) ([]model.KPIRecord, error) {
	var out []model.KPIRecord
	err := s.loadAll(ctx, "load_kpis", TypeKPI, func(b []byte) error {
		var k model.KPIRecord
		if err := json.Unmarshal(b, &k); err != nil {
			return err
		}
		if appID == "" || k.AppID == appID {
			out = append(out, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortKPIs(out)
	return out, nil
}

func (s *EncryptedStore) LoadViolations(ctx context.Context, appID string) ([]model.Violation, error) {
	var out []model.Violation
	err := s.loadAll(ctx, "load_violations", TypeViolation, func(b []byte) error {
		var v model.Violation
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if appID == "" || v.AppID == appID {
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortViolations(out)
	return out, nil
}

func (s *EncryptedStore) LoadAlerts(ctx context.Context, appID string) ([]model.Alert, error) {
	var out []model.Alert
	err := s.loadAll(ctx, "load_alerts", TypeAlert, func(b []byte) error {
		var a model.Alert
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		if appID == "" || a.AppID == appID {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlerts(out)
	return out, nil
}

// RotateKey re-encrypts every record under a key derived from a fresh salt.
// An empty newPassphrase keeps the current passphrase. Writers and readers in
// this and every other process are blocked until rotation finishes.
//
// Sequence: decrypt all, write .rotating copies, back up the old metadata,
// commit the new metadata, rename the copies over the originals. A crash
// before the commit leaves the old key valid; after it, OpenEncrypted with
// the new passphrase completes the renames.
func (s *EncryptedStore) RotateKey(ctx context.Context, newPassphrase string) (RotationResult, error) {
	if err := ctx.Err(); err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", nil, err)
	}
	cur, release, err := s.acquire("rotate_key", true)
	if err != nil {
		return RotationResult{}, err
	}
	defer release()

	if newPassphrase == "" {
		newPassphrase = cur.passphrase
	}
	errCtx := map[string]string{"dir": s.dir, "key_id": cur.meta.KeyID}

	names, err := s.listRecords("")
	if err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", errCtx, err)
	}
	plain := make(map[string][]byte, len(names))
	for _, name := range names {
		b, err := s.readRecord(cur.aead, name)
		if err != nil {
			return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", mergeCtx(errCtx, "record", name), err)
		}
		plain[name] = b
	}

	next, err := newKey(newPassphrase, cur.meta.Iterations, s.clock.Now())
	if err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", errCtx, err)
	}

	var staged []string
	cleanup := func() error {
		var errList []error
		for _, p := range staged {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errList = append(errList, err)
			}
		}
		return errors.Join(errList...)
	}
	for _, name := range names {
		ct, err := seal(next.aead, name, plain[name])
		if err != nil {
			return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", mergeCtx(errCtx, "record", name), errors.Join(err, cleanup()))
		}
		p := filepath.Join(s.dir, name+recordSuffix+rotatingSuffix)
		if err := os.WriteFile(p, ct, 0600); err != nil {
			return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", mergeCtx(errCtx, "record", name), errors.Join(err, cleanup()))
		}
		staged = append(staged, p)
	}

	metaPath := filepath.Join(s.dir, metadataFile)
	backupPath := filepath.Join(s.dir, backupPrefix+s.clock.Now().UTC().Format("20060102T150405.000000000Z"))
	oldMeta, err := os.ReadFile(metaPath)
	if err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", errCtx, errors.Join(err, cleanup()))
	}
	if err := os.WriteFile(backupPath, oldMeta, 0600); err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", errCtx, errors.Join(err, cleanup()))
	}
	if err := writeAtomic(metaPath, mustJSON(next.meta)); err != nil {
		return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", errCtx, errors.Join(err, cleanup()))
	}

	// Committed. Remaining renames are also completed by recoverRotation on next open.
	s.key.Store(next)
	for _, name := range names {
		src := filepath.Join(s.dir, name+recordSuffix+rotatingSuffix)
		if err := os.Rename(src, filepath.Join(s.dir, name+recordSuffix)); err != nil {
			return RotationResult{}, storageErr(BackendEncrypted, "rotate_key", mergeCtx(errCtx, "record", name), err)
		}
	}

	return RotationResult{
		Records:    len(names),
		OldKeyID:   cur.meta.KeyID,
		NewKeyID:   next.meta.KeyID,
		BackupPath: backupPath,
	}, nil
}

// Info reports the active key parameters and record count.
func (s *EncryptedStore) Info() (EncryptionInfo, error) {
	key, release, err := s.acquire("info", false)
	if err != nil {
		return EncryptionInfo{}, err
	}
	defer release()

	names, err := s.listRecords("")
	if err != nil {
		return EncryptionInfo{}, storageErr(BackendEncrypted, "info", map[string]string{"dir": s.dir}, err)
	}
	backups, err := filepath.Glob(filepath.Join(s.dir, backupPrefix+"*"))
	if err != nil {
		return EncryptionInfo{}, storageErr(BackendEncrypted, "info", map[string]string{"dir": s.dir}, err)
	}
	for i, b := range backups {
		backups[i] = filepath.Base(b)
	}
	sort.Strings(backups)
	return EncryptionInfo{
		Dir:        s.dir,
		Algorithm:  key.meta.Algorithm,
		Cipher:     key.meta.Cipher,
		Iterations: key.meta.Iterations,
		CreatedAt:  key.meta.CreatedAt,
		KeyID:      key.meta.KeyID,
		Records:    len(names),
		Backups:    backups,
	}, nil
}

// Close is a no-op; files are opened per operation.
func (s *EncryptedStore) Close() error { return nil }

// writeAtomic writes data to a temporary file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func mustJSON(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("storage: marshal %T: %v", v, err))
	}
	return data
}

func mergeCtx(base map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for key, val := range base {
		out[key] = val
	}
	out[k] = v
	return out
}
