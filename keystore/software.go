package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/oakpki/oakpki/internal/util"
)

const (
	fileVersion  = 1
	fileExt      = ".oks"
	tenantsFile  = "tenants.json"
	caKeyBits    = 3072
	fileSaltLen  = 16
	filePermMode = 0o600
)

// Software is a Provider backed by encrypted keystore files in a directory.
// Each keystore file holds named aliases mapping to an RSA private key and
// CA certificate. Files are sealed with AES-256-GCM under an Argon2id key
// derived from a passphrase; the passphrase itself is kept in a memguard
// Enclave so it is encrypted at rest in process memory.
type Software struct {
	dir        string
	passphrase *memguard.Enclave

	mu      sync.RWMutex
	tenants map[int]tenantConfig
}

var _ Provider = (*Software)(nil)

type tenantConfig struct {
	KeyStore string `json:"key_store"`
	Alias    string `json:"alias"`
}

// keystoreFile is the on-disk envelope. The payload is the JSON-encoded
// alias map encrypted under the derived key, with the keystore name bound
// as AAD so a file cannot be renamed into another store's identity.
type keystoreFile struct {
	Version    int                 `json:"version"`
	Salt       []byte              `json:"salt"`
	KDF        util.Argon2idParams `json:"kdf"`
	Ciphertext []byte              `json:"ciphertext"`
}

type keystoreEntry struct {
	KeyPEM  string `json:"key_pem"`
	CertPEM string `json:"cert_pem"`
}

// NewSoftware opens (or initialises) a software keystore directory. The
// passphrase is NFKD-normalized and sealed into an enclave; wiping the
// caller's copy of the string is the caller's concern.
func NewSoftware(dir, passphrase string) (*Software, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	s := &Software{
		dir:        dir,
		passphrase: memguard.NewEnclave([]byte(util.Normalize(passphrase))),
		tenants:    make(map[int]tenantConfig),
	}
	if err := s.loadTenants(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Software) loadTenants() error {
	data, err := os.ReadFile(filepath.Join(s.dir, tenantsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading tenant config: %w", err)
	}
	raw := make(map[string]tenantConfig)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding tenant config: %w", err)
	}
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("decoding tenant config: bad tenant id %q", k)
		}
		s.tenants[id] = v
	}
	return nil
}

// saveTenantsLocked persists the tenant config map. Callers hold s.mu.
func (s *Software) saveTenantsLocked() error {
	raw := make(map[string]tenantConfig, len(s.tenants))
	for id, cfg := range s.tenants {
		raw[strconv.Itoa(id)] = cfg
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tenant config: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, tenantsFile), data, filePermMode)
}

func (s *Software) storePath(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func (s *Software) withPassphrase(fn func(pass string) error) error {
	buf, err := s.passphrase.Open()
	if err != nil {
		return fmt.Errorf("opening passphrase enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

func (s *Software) readStore(name string) (map[string]keystoreEntry, error) {
	data, err := os.ReadFile(s.storePath(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrKeyStoreNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore %s: %w", name, err)
	}
	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding keystore %s: %w", name, err)
	}

	var entries map[string]keystoreEntry
	err = s.withPassphrase(func(pass string) error {
		key, err := util.DeriveArgon2idKey(pass, file.Salt, file.KDF)
		if err != nil {
			return err
		}
		plain, err := util.DecryptAES(file.Ciphertext, key, []byte(name))
		if err != nil {
			return fmt.Errorf("unsealing keystore %s: %w", name, err)
		}
		return json.Unmarshal(plain, &entries)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Software) writeStore(name string, entries map[string]keystoreEntry) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding keystore %s: %w", name, err)
	}
	salt, err := util.RandomBytes(fileSaltLen)
	if err != nil {
		return err
	}
	params := util.DefaultArgon2idParams()

	var ciphertext []byte
	err = s.withPassphrase(func(pass string) error {
		key, err := util.DeriveArgon2idKey(pass, salt, params)
		if err != nil {
			return err
		}
		ciphertext, err = util.EncryptAES(plain, key, []byte(name))
		return err
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(keystoreFile{
		Version:    fileVersion,
		Salt:       salt,
		KDF:        params,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath(name), data, filePermMode)
}

// CreateKeyStore creates a new empty keystore file.
func (s *Software) CreateKeyStore(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.storePath(name)); err == nil {
		return fmt.Errorf("keystore %s already exists", name)
	}
	return s.writeStore(name, map[string]keystoreEntry{})
}

// GenerateCA creates a fresh RSA key and self-signed CA certificate under
// the given keystore alias. The keystore must already exist.
func (s *Software) GenerateCA(keyStore, alias string, subject pkix.Name, validityYears int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readStore(keyStore)
	if err != nil {
		return err
	}
	if _, exists := entries[alias]; exists {
		return fmt.Errorf("%s/%s: %w", keyStore, alias, ErrAliasExists)
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating CA serial: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding CA key: %w", err)
	}
	entries[alias] = keystoreEntry{
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
	return s.writeStore(keyStore, entries)
}

func (s *Software) entryFor(tenantID int) (keystoreEntry, error) {
	cfg, ok := s.tenants[tenantID]
	if !ok {
		return keystoreEntry{}, fmt.Errorf("tenant %d: %w", tenantID, ErrNoSigningConfig)
	}
	entries, err := s.readStore(cfg.KeyStore)
	if err != nil {
		return keystoreEntry{}, err
	}
	entry, ok := entries[cfg.Alias]
	if !ok {
		return keystoreEntry{}, fmt.Errorf("%s/%s: %w", cfg.KeyStore, cfg.Alias, ErrAliasNotFound)
	}
	return entry, nil
}

func parseSigner(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing stored key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("stored key does not implement crypto.Signer")
	}
	return signer, nil
}

func parseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in stored certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

func (s *Software) SigningKey(tenantID int) (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.entryFor(tenantID)
	if err != nil {
		return nil, err
	}
	return parseSigner(entry.KeyPEM)
}

func (s *Software) CACertificate(tenantID int) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.entryFor(tenantID)
	if err != nil {
		return nil, err
	}
	return parseCertificate(entry.CertPEM)
}

func (s *Software) SetKeyAndAlias(tenantID int, keyStore, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readStore(keyStore)
	if err != nil {
		return err
	}
	entry, ok := entries[alias]
	if !ok {
		return fmt.Errorf("%s/%s: %w", keyStore, alias, ErrAliasNotFound)
	}
	// The alias must hold usable material before we commit the switch.
	if _, err := parseSigner(entry.KeyPEM); err != nil {
		return fmt.Errorf("%s/%s: %w", keyStore, alias, err)
	}
	if _, err := parseCertificate(entry.CertPEM); err != nil {
		return fmt.Errorf("%s/%s: %w", keyStore, alias, err)
	}

	prev, hadPrev := s.tenants[tenantID]
	s.tenants[tenantID] = tenantConfig{KeyStore: keyStore, Alias: alias}
	if err := s.saveTenantsLocked(); err != nil {
		if hadPrev {
			s.tenants[tenantID] = prev
		} else {
			delete(s.tenants, tenantID)
		}
		return err
	}
	return nil
}

func (s *Software) ListAliases(tenantID int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	if cfg, ok := s.tenants[tenantID]; ok {
		out = append(out, cfg.KeyStore+"/"+cfg.Alias)
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing keystores: %w", err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != fileExt {
			continue
		}
		names = append(names, f.Name()[:len(f.Name())-len(fileExt)])
	}
	sort.Strings(names)

	current := ""
	if len(out) == 1 {
		current = out[0]
	}
	for _, name := range names {
		entries, err := s.readStore(name)
		if err != nil {
			return nil, err
		}
		aliases := make([]string, 0, len(entries))
		for alias := range entries {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			pair := name + "/" + alias
			if pair == current {
				continue
			}
			out = append(out, pair)
		}
	}
	return out, nil
}

func (s *Software) Tenants() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}
