package services

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/protocol"
)

// modelExtensions are the file types recognized as model weights.
var modelExtensions = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".pt":          true,
	".pth":         true,
}

// ModelScanner enumerates model files for ListModels requests.
type ModelScanner struct {
	CheckpointDir string
	LoraDir       string
	VaeDir        string
}

// Scan walks the configured directories and returns all model files sorted by
// name. Missing directories are logged and skipped, not errors.
func (m *ModelScanner) Scan() []protocol.ModelInfo {
	var models []protocol.ModelInfo
	models = append(models, scanDir(m.CheckpointDir, protocol.ModelCheckpoint)...)
	models = append(models, scanDir(m.LoraDir, protocol.ModelLora)...)
	models = append(models, scanDir(m.VaeDir, protocol.ModelVae)...)

	sort.Slice(models, func(i, j int) bool {
		return strings.ToLower(models[i].Name) < strings.ToLower(models[j].Name)
	})
	return models
}

func scanDir(dir string, kind protocol.ModelKind) []protocol.ModelInfo {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("model directory unavailable", "dir", dir, "error", err)
		return nil
	}

	var models []protocol.ModelInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !modelExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		var sizeMB int64
		if info, err := entry.Info(); err == nil {
			sizeMB = info.Size() / (1024 * 1024)
		}
		models = append(models, protocol.ModelInfo{
			Name:   entry.Name(),
			Path:   filepath.Join(dir, entry.Name()),
			Kind:   kind,
			SizeMB: sizeMB,
		})
	}
	return models
}
