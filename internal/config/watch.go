package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce 编辑器保存文件时常产生多次写事件，合并为一次重新加载
const reloadDebounce = 200 * time.Millisecond

// Watch 监听配置文件变化，文件写入或替换后重新加载并回调 onChange。
// 只监听文件所在目录，因此 Kubernetes ConfigMap 的符号链接替换也能被感知。
// 重新加载失败时记录警告并保留旧配置。ctx 取消后监听结束。
func Watch(ctx context.Context, path string, logger *logrus.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// ConfigMap 通过替换 ..data 符号链接更新文件
				name := filepath.Clean(event.Name)
				if name != target && !strings.HasPrefix(filepath.Base(name), "..") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if err != nil {
					logger.WithError(err).WithField("path", path).Warn("Failed to reload config")
					continue
				}
				logger.WithField("path", path).Info("Config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()
	return nil
}

// ApplyLogLevel 把配置中的日志级别应用到 logger，非法级别返回错误且不修改 logger
func ApplyLogLevel(logger *logrus.Logger, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	if logger.GetLevel() != lvl {
		logger.SetLevel(lvl)
	}
	return nil
}
