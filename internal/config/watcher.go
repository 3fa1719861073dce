package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// FeatureWatcher serves the features section of the config file and
// reloads it when the file changes. An unreadable or invalid file keeps the
// last good flags.
type FeatureWatcher struct {
	path     string
	features atomic.Pointer[types.Features]
	onChange func(types.Features)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFeatureWatcher starts with initial and watches path for changes once
// Start is called. onChange may be nil.
func NewFeatureWatcher(path string, initial types.Features, onChange func(types.Features)) *FeatureWatcher {
	fw := &FeatureWatcher{path: expandPath(path), onChange: onChange}
	fw.features.Store(&initial)
	return fw
}

// Features returns the current flags
func (fw *FeatureWatcher) Features() types.Features {
	return *fw.features.Load()
}

// Start watches the config directory. Editors often replace the file, so
// the directory is watched rather than the file itself.
func (fw *FeatureWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(fw.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	fw.watcher = watcher

	ctx, fw.cancel = context.WithCancel(ctx)
	fw.wg.Add(1)
	util.SafeGoWithName("feature-watcher", func() {
		defer fw.wg.Done()
		fw.loop(ctx)
	})
	return nil
}

// Close stops watching
func (fw *FeatureWatcher) Close() error {
	if fw.watcher == nil {
		return nil
	}
	fw.cancel()
	err := fw.watcher.Close()
	fw.wg.Wait()
	fw.watcher = nil
	return err
}

func (fw *FeatureWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				fw.reload()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", logging.Err(err), logging.Component("config"))
		}
	}
}

func (fw *FeatureWatcher) reload() {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		logging.Debug("config reload skipped", logging.Err(err), logging.Component("config"))
		return
	}

	var partial struct {
		Features *types.Features `yaml:"features"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		logging.Warn("config reload failed, keeping previous feature flags",
			logging.Err(err),
			logging.Component("config"))
		return
	}
	if partial.Features == nil {
		return
	}

	next := *partial.Features
	prev := fw.features.Swap(&next)
	if prev != nil && *prev == next {
		return
	}
	logging.Info("feature flags reloaded",
		"claim_rewards_enabled", next.ClaimRewardsEnabled,
		logging.Component("config"))
	if fw.onChange != nil {
		fw.onChange(next)
	}
}
