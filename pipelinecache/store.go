package pipelinecache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
	"golang.org/x/exp/slog"
)

// Store persists data at path. The data is written to a temporary file in the same directory and
// renamed over path, so a reader never sees a partial blob.
func Store(path string, data []byte) error {
	if _, err := ParseHeader(data); err != nil {
		return errors.Wrapf(err, "refusing to store %s", path)
	}

	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary pipeline cache file")
	}
	tempName := temp.Name()

	_, err = temp.Write(data)
	if err == nil {
		err = temp.Sync()
	}
	err = errors.CombineErrors(err, temp.Close())
	if err != nil {
		_ = os.Remove(tempName)
		return errors.Wrapf(err, "write %s", tempName)
	}

	err = os.Rename(tempName, path)
	if err != nil {
		_ = os.Remove(tempName)
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

// Load reads a blob stored for identity. A missing file, a corrupt header or a header written by
// another device or driver is a cache miss and returns nil data without error.
func Load(logger *slog.Logger, path string, identity hal.DeviceIdentity) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "PipelineCache::Miss",
			slog.String("Path", path),
			slog.String("Reason", "not found"),
		)
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	header, err := ParseHeader(data)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "PipelineCache::Miss",
			slog.String("Path", path),
			slog.String("Reason", err.Error()),
		)
		return nil, nil
	}

	if !header.Matches(identity) {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "PipelineCache::Miss",
			slog.String("Path", path),
			slog.String("Reason", "device mismatch"),
			slog.String("Stored", header.String()),
			slog.String("Device", HeaderFor(identity).String()),
		)
		return nil, nil
	}

	return data, nil
}
