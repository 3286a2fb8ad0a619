package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/shawkym/reqchat/pkg/log"
)

// ConfigChangeCallback is called when the configuration file changes.
// It receives the old and new configurations.
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// ConfigWatcher watches a configuration file for changes and reloads it.
// Only the settings a running session can apply without reconnecting are
// acted on: the reconnect policy and the pipeline rate limit. Other changes
// are logged and take effect on the next start.
type ConfigWatcher struct {
	mu              sync.RWMutex
	config          *Config
	configPath      string
	viper           *viper.Viper
	callbacks       []ConfigChangeCallback
	stopChan        chan struct{}
	stopOnce        sync.Once
	reloadInProcess bool
}

// NewConfigWatcher creates a new configuration watcher.
// It loads the initial configuration and sets up file watching.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config with viper: %w", err)
	}

	watcher := &ConfigWatcher{
		config:     config,
		configPath: configPath,
		viper:      v,
		callbacks:  make([]ConfigChangeCallback, 0),
		stopChan:   make(chan struct{}),
	}

	log.WithField("config_path", configPath).Info("config watcher initialized")

	return watcher, nil
}

// GetConfig returns the current configuration (thread-safe).
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback to be invoked when the config changes.
func (cw *ConfigWatcher) OnConfigChange(callback ConfigChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// StartWatching begins monitoring the configuration file for changes.
// This method blocks until StopWatching, so run it in a goroutine.
func (cw *ConfigWatcher) StartWatching() {
	cw.viper.OnConfigChange(func(e fsnotify.Event) {
		cw.handleConfigChange(e)
	})

	cw.viper.WatchConfig()

	log.WithField("config_path", cw.configPath).Info("started watching config file for changes")

	<-cw.stopChan
}

// StopWatching stops monitoring the configuration file. Safe to call twice.
func (cw *ConfigWatcher) StopWatching() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		log.Info("stopped watching config file")
	})
}

func (cw *ConfigWatcher) handleConfigChange(e fsnotify.Event) {
	cw.mu.Lock()
	if cw.reloadInProcess {
		cw.mu.Unlock()
		return
	}
	cw.reloadInProcess = true
	cw.mu.Unlock()

	defer func() {
		cw.mu.Lock()
		cw.reloadInProcess = false
		cw.mu.Unlock()
	}()

	log.WithFields(map[string]interface{}{
		"event":       e.Op.String(),
		"config_path": e.Name,
	}).Info("config file change detected")

	cw.reload()
}

// reload reads the file again and runs the callbacks. A file that fails to
// load or validate leaves the current config in place.
func (cw *ConfigWatcher) reload() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		log.WithError(err).WithField("config_path", cw.configPath).Error("failed to reload config")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := cw.callbacks
	cw.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"config_path":            cw.configPath,
		"reconnect_interval":     newConfig.Channel.ReconnectInterval.String(),
		"max_reconnect_attempts": newConfig.Channel.MaxReconnectAttempts,
		"rate_limit":             newConfig.Pipeline.RateLimit,
	}).Info("config reloaded successfully")

	if restart := RestartRequired(oldConfig, newConfig); len(restart) > 0 {
		log.WithField("fields", restart).Warn("config changes take effect on next start")
	}

	for _, callback := range callbacks {
		go func(cb ConfigChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("config change callback panicked")
				}
			}()
			cb(oldConfig, newConfig)
		}(callback)
	}
}

// RestartRequired lists changed settings that a running session does not
// pick up.
func RestartRequired(oldConfig, newConfig *Config) []string {
	if oldConfig == nil || newConfig == nil {
		return nil
	}
	var fields []string
	if oldConfig.Channel.URL != newConfig.Channel.URL {
		fields = append(fields, "channel.url")
	}
	if oldConfig.Channel.OutboundQueue != newConfig.Channel.OutboundQueue {
		fields = append(fields, "channel.outbound_queue")
	}
	if oldConfig.Pipeline.BaseURL != newConfig.Pipeline.BaseURL {
		fields = append(fields, "pipeline.base_url")
	}
	if oldConfig.Pipeline.ProjectID != newConfig.Pipeline.ProjectID {
		fields = append(fields, "pipeline.project_id")
	}
	if oldConfig.History.ConversationID != newConfig.History.ConversationID {
		fields = append(fields, "history.conversation_id")
	}
	return fields
}
