package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/internal/oauth"
	"tether/pkg/logging"
)

// Provider serves the current configuration and implements
// oauth.IntegrationSource. Watch keeps it current when config.yaml changes
// on disk, so new integrations become connectable without a restart.
type Provider struct {
	mu         sync.RWMutex
	config     Config
	configPath string

	// debounceInterval is how long to wait for further writes before
	// reloading; editors often produce bursts of events per save.
	debounceInterval time.Duration
}

var _ oauth.IntegrationSource = (*Provider)(nil)

// NewProvider creates a Provider for the given configuration directory and
// performs the initial load.
func NewProvider(configPath string) (*Provider, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return &Provider{
		config:           config,
		configPath:       configPath,
		debounceInterval: 500 * time.Millisecond,
	}, nil
}

// Config returns a snapshot of the current configuration.
func (p *Provider) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Integration resolves an integration definition by ID.
func (p *Provider) Integration(id string) (*oauth.Integration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, integration := range p.config.Integrations {
		if integration.ID != id {
			continue
		}
		result := &oauth.Integration{
			ID:        integration.ID,
			ServerURL: integration.ServerURL,
			Scopes:    integration.Scopes,
			NoAuth:    integration.NoAuth,
		}
		if integration.ClientID != "" {
			result.StaticClient = &oauth.StaticClient{
				ClientID:     integration.ClientID,
				ClientSecret: integration.ClientSecret,
			}
		}
		return result, nil
	}
	return nil, fmt.Errorf("unknown integration %q", id)
}

// Watch reloads the configuration when config.yaml changes. It blocks until
// the context is canceled. A reload that fails validation keeps the previous
// configuration in place.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go quiet.
	if err := watcher.Add(p.configPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p.configPath, err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(p.debounceInterval, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			p.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Config", "Config watcher error: %v", err)
		}
	}
}

// reload swaps in a freshly loaded configuration.
func (p *Provider) reload() {
	config, err := LoadConfig(p.configPath)
	if err != nil {
		logging.Warn("Config", "Config reload failed, keeping previous configuration: %v", err)
		return
	}

	p.mu.Lock()
	p.config = config
	p.mu.Unlock()

	logging.Info("Config", "Configuration reloaded (%d integrations)", len(config.Integrations))
}
