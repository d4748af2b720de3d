// Package tls provides the front-door certificate material and hot
// reload of the serving keypair.
package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// ErrCertificateNotFound is returned when no certificate is loaded.
var ErrCertificateNotFound = errors.New("tls: certificate not found")

// ErrProviderClosed is returned after Close.
var ErrProviderClosed = errors.New("tls: provider closed")

// FileProvider serves the keypair from disk and swaps it atomically
// when the files change, so long-lived listeners pick up rotated
// certificates without a restart.
type FileProvider struct {
	cfg    config.TLSConfig
	logger observability.Logger

	certificate atomic.Pointer[tls.Certificate]

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	closed  bool
	started bool

	debounceDelay time.Duration
}

// FileProviderOption is a functional option for configuring FileProvider.
type FileProviderOption func(*FileProvider)

// WithLogger sets the logger for the file provider.
func WithLogger(logger observability.Logger) FileProviderOption {
	return func(p *FileProvider) {
		p.logger = logger
	}
}

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) FileProviderOption {
	return func(p *FileProvider) {
		p.debounceDelay = delay
	}
}

// NewFileProvider creates a provider and loads the initial keypair. A
// missing or unparsable keypair is a startup failure.
func NewFileProvider(cfg config.TLSConfig, opts ...FileProviderOption) (*FileProvider, error) {
	p := &FileProvider{
		cfg:           cfg,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.load(); err != nil {
		return nil, err
	}

	return p, nil
}

// Start begins watching the certificate files for changes. Watching is
// optional: a watch setup failure degrades to serving the startup
// keypair.
func (p *FileProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.cfg.ReloadInterval.Duration() <= 0 {
		p.logger.Debug("certificate hot-reload disabled")
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}
	p.watcher = watcher

	// Watch the parent directories so atomic renames are observed.
	dirs := map[string]struct{}{
		filepath.Dir(p.cfg.CertFile): {},
		filepath.Dir(p.cfg.KeyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			p.mu.Lock()
			p.started = false
			p.mu.Unlock()
			return err
		}
	}

	p.logger.Info("watching certificate files",
		observability.String("cert", p.cfg.CertFile),
		observability.String("key", p.cfg.KeyFile),
	)

	go p.watchLoop(ctx)

	return nil
}

// GetCertificate returns the current keypair. It has the shape required
// by tls.Config.GetCertificate.
func (p *FileProvider) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrProviderClosed
	}

	cert := p.certificate.Load()
	if cert == nil {
		return nil, ErrCertificateNotFound
	}

	return cert, nil
}

// ServerConfig builds the front-door tls.Config backed by this
// provider.
func (p *FileProvider) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: p.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Close stops the file watcher.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)

	if started {
		<-p.stoppedCh
		if p.watcher != nil {
			return p.watcher.Close()
		}
	}

	return nil
}

// load reads the keypair from disk and swaps it in.
func (p *FileProvider) load() error {
	cert, err := tls.LoadX509KeyPair(p.cfg.CertFile, p.cfg.KeyFile)
	if err != nil {
		return err
	}

	if len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil {
			cert.Leaf = leaf
			p.logger.Info("certificate loaded",
				observability.String("subject", leaf.Subject.CommonName),
				observability.Time("notBefore", leaf.NotBefore),
				observability.Time("notAfter", leaf.NotAfter),
			)
		}
	}

	p.certificate.Store(&cert)
	return nil
}

// watchLoop handles file change events.
func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.stopCh:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !p.isRelevantFile(filepath.Clean(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(p.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("certificate watcher error", observability.Error(err))
		}
	}
}

func (p *FileProvider) isRelevantFile(cleanPath string) bool {
	return cleanPath == filepath.Clean(p.cfg.CertFile) ||
		cleanPath == filepath.Clean(p.cfg.KeyFile)
}

// reload swaps in the new keypair. A half-rotated or broken pair keeps
// the previous certificate serving.
func (p *FileProvider) reload() {
	if err := p.load(); err != nil {
		p.logger.Error("failed to reload certificate, keeping current",
			observability.Error(err),
		)
		return
	}
	p.logger.Info("certificate reloaded")
}
