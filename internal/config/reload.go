package config

import (
	"github.com/dshills/tvsync/internal/config/watcher"
	"github.com/dshills/tvsync/internal/logging"
)

// Watch reloads path whenever it changes and passes the result to
// onReload. A reload that fails to parse or validate is logged and
// dropped, so the previous configuration stays in effect. The caller
// must Close the returned watcher.
func Watch(path string, log *logging.Logger, onReload func(*Config)) (*watcher.Watcher, error) {
	log = logging.OrNull(log).WithComponent("config")
	w, err := watcher.New(path, watcher.WithLogger(log))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(ev watcher.Event) {
		if ev.Op == watcher.OpRemove {
			log.Warn("config %s removed, keeping current settings", ev.Path)
			return
		}
		cfg, err := Load(ev.Path)
		if err != nil {
			log.Error("reload %s: %v", ev.Path, err)
			return
		}
		log.Info("reloaded %s", ev.Path)
		onReload(cfg)
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
