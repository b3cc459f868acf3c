package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
)

// originWatchdog shuts an unclaimed origin down.
const originWatchdog = 300 * time.Second

// OriginRequest describes one server-to-client file send.
type OriginRequest struct {
	Path      string                  // source file on disk
	SessionIP string                  // when set, only this address may fetch
	Profile   session.TransferProfile // pacing
	Scheme    string                  // http or https, for the URL pushed to the client
	Host      string                  // address the client can reach us on
}

// OriginInfo is returned to the management caller and pushed to the device
// over its input socket as a file_transfer message.
type OriginInfo struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Port     int    `json:"port"`
}

// StartOrigin hashes the file, binds a fresh ephemeral port, and serves the
// file exactly once. The server tears itself down after one successful
// download, on ctx cancellation, or when the watchdog fires.
func StartOrigin(ctx context.Context, req OriginRequest) (*OriginInfo, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", req.Path)
	}
	digest, err := hashFile(req.Path)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind origin port: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	filename := filepath.Base(req.Path)
	dlToken := uuid.NewString()
	encodedName := url.PathEscape(filename)

	o := &origin{
		path:     req.Path,
		wantPath: "/" + encodedName,
		token:    dlToken,
		pinnedIP: req.SessionIP,
		profile:  req.Profile,
		done:     make(chan struct{}),
	}
	server := &http.Server{Handler: o}
	o.server = server

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("file origin serve failed", logging.KeyError, err)
		}
	}()
	go func() {
		select {
		case <-o.done:
		case <-ctx.Done():
		case <-time.After(originWatchdog):
			log.Warn("file origin expired unclaimed", "filename", filename)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("file origin started", "filename", filename, "port", port, "size", info.Size())
	return &OriginInfo{
		Filename: filename,
		URL:      fmt.Sprintf("%s://%s:%d/%s?t=%s", req.Scheme, req.Host, port, encodedName, dlToken),
		Size:     info.Size(),
		SHA256:   digest,
		Port:     port,
	}, nil
}

type origin struct {
	path     string
	wantPath string
	token    string
	pinnedIP string
	profile  session.TransferProfile
	server   *http.Server

	mu     sync.Mutex
	served bool
	done   chan struct{}
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.EscapedPath() != o.wantPath && r.URL.Path != o.wantPath {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("t") != o.token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if o.pinnedIP != "" {
		remote, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || remote != o.pinnedIP {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	o.mu.Lock()
	if o.served {
		o.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	o.served = true
	o.mu.Unlock()

	file, err := os.Open(o.path)
	if err != nil {
		http.Error(w, "source unavailable", http.StatusInternalServerError)
		o.finish()
		return
	}
	defer file.Close()

	info, _ := file.Stat()
	w.Header().Set("Content-Type", "application/octet-stream")
	if info != nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	}

	flusher, _ := w.(http.Flusher)
	chunk := o.profile.Chunk
	if chunk <= 0 {
		chunk = 256 << 10
	}
	pause := time.Duration(o.profile.Sleep * float64(time.Second))

	buf := make([]byte, chunk)
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			if pause > 0 {
				time.Sleep(pause)
			}
		}
		if readErr != nil {
			break
		}
	}
	o.finish()
}

func (o *origin) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash source file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
