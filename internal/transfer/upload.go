// Package transfer implements both file directions: client uploads into the
// upload directory, and server-to-client sends through a one-shot HTTP
// origin on an ephemeral port.
package transfer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
)

var log = logging.L("transfer")

// ErrTooLarge maps to 413 upload_too_large.
var ErrTooLarge = errors.New("upload_too_large")

// ErrChecksumMismatch maps to 400 upload_checksum_mismatch.
var ErrChecksumMismatch = errors.New("upload_checksum_mismatch")

// ErrExtNotAllowed maps to 415 upload_ext_not_allowed.
var ErrExtNotAllowed = errors.New("upload_ext_not_allowed")

const (
	maxFilenameBytes  = 240
	maxCollisionTries = 10000
	fallbackName      = "upload.bin"
)

// Windows device names remain reserved even with an extension attached.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// SanitizeFilename reduces a client-supplied name to a safe basename:
// directory components stripped, control characters removed, length capped,
// reserved device names replaced.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." {
		return fallbackName
	}

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.Trim(b.String(), " .")
	if name == "" {
		return fallbackName
	}

	// Trim to the byte budget without splitting a UTF-8 sequence, keeping
	// the extension when possible.
	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		stem := name[:len(name)-len(ext)]
		budget := maxFilenameBytes - len(ext)
		for budget > 0 && !utf8Boundary(stem, budget) {
			budget--
		}
		name = stem[:budget] + ext
	}

	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	if reservedNames[base] {
		return fallbackName
	}
	return name
}

func utf8Boundary(s string, i int) bool {
	return i >= len(s) || (s[i]&0xC0) != 0x80
}

// UploadLimits are the policy knobs for one store operation.
type UploadLimits struct {
	MaxBytes   int64
	ExtAllowed func(ext string) bool
}

// UploadResult describes a stored file.
type UploadResult struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// Store streams body into dir under the sanitized filename. The data lands
// in a temp file next to the final path and is renamed into place only after
// size and checksum checks pass. wantSHA256 is optional; when set it must
// match the computed digest.
func Store(dir, filename string, body io.Reader, wantSHA256 string, limits UploadLimits) (*UploadResult, error) {
	name := SanitizeFilename(filename)
	ext := strings.ToLower(filepath.Ext(name))
	if limits.ExtAllowed != nil && !limits.ExtAllowed(ext) {
		return nil, fmt.Errorf("%w: %s", ErrExtNotAllowed, ext)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	final := filepath.Join(dir, name)
	tmpName := fmt.Sprintf("%s.part-%s", final, randomSuffix())
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	var written int64
	buf := make([]byte, 64<<10)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if limits.MaxBytes > 0 && written > limits.MaxBytes {
				cleanup()
				return nil, ErrTooLarge
			}
			hasher.Write(buf[:n])
			if _, err := tmp.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write upload: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return nil, fmt.Errorf("read upload body: %w", readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if wantSHA256 != "" && !strings.EqualFold(wantSHA256, digest) {
		os.Remove(tmpName)
		return nil, ErrChecksumMismatch
	}

	final, name = resolveCollision(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("finalize upload: %w", err)
	}

	log.Info("file received", "filename", name, "size", written)
	return &UploadResult{Filename: name, Size: written, SHA256: digest}, nil
}

// resolveCollision finds a free name: plain, then _1.._10000 suffixes, then
// a random suffix as the last resort.
func resolveCollision(dir, name string) (path, finalName string) {
	final := filepath.Join(dir, name)
	if _, err := os.Lstat(final); errors.Is(err, os.ErrNotExist) {
		return final, name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i <= maxCollisionTries; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, candidate
		}
	}
	candidate := fmt.Sprintf("%s_%s%s", stem, randomSuffix(), ext)
	return filepath.Join(dir, candidate), candidate
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("transfer: random source unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
