// Package ttscache is the content-addressed store for rendered prompt audio.
// An entry is keyed by (sanitized node id, sha256 of the exact rendered text);
// presence of the file on disk is the sole hit test, there is no metadata
// index.
package ttscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ajoeson/asterisk-stasis-utility/providers/tts"
)

// PublicPathPrefix is the URL prefix under which cached artifacts are served.
const PublicPathPrefix = "/aststasisutil/tts"

// Artifact describes a cache entry for one rendered prompt.
type Artifact struct {
	// PublicPath is the URL path the transport can fetch the audio from.
	PublicPath string
	// FilePath is the absolute on-disk path of the playable file.
	FilePath string
	// FilePathWithoutExt is FilePath with the extension stripped, for
	// backends that reference artifacts by base name.
	FilePathWithoutExt string
}

// Cache renders prompts on miss and serves the on-disk artifact on hit.
type Cache struct {
	root     string
	renderer tts.Renderer
	flight   singleflight.Group
	logger   zerolog.Logger
}

// New constructs a cache rooted at dir. The directory is created if missing.
func New(dir string, renderer tts.Renderer, logger zerolog.Logger) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		root:     abs,
		renderer: renderer,
		logger:   logger.With().Str("component", "ttscache").Logger(),
	}, nil
}

// Root returns the absolute cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Render returns the artifact for (nodeID, text), invoking the renderer only
// when the file is not already on disk. Concurrent identical requests share a
// single render. No partial file is ever visible under the canonical name.
func (c *Cache) Render(ctx context.Context, language, nodeID, text string) (Artifact, error) {
	node := SanitizeNodeID(nodeID)
	if node == "" {
		return Artifact{}, fmt.Errorf("node id is required")
	}
	hash := TextHash(text)
	ext := c.renderer.Extension()

	dir := filepath.Join(c.root, node)
	canonical := filepath.Join(dir, hash+"."+ext)
	artifact := Artifact{
		PublicPath:         PublicPathPrefix + "/" + node + "/" + hash + "." + ext,
		FilePath:           canonical,
		FilePathWithoutExt: filepath.Join(dir, hash),
	}

	if fileExists(canonical) {
		return artifact, nil
	}

	_, err, _ := c.flight.Do(node+"/"+hash, func() (any, error) {
		// A concurrent request may have completed the render while this
		// call waited on the flight group.
		if fileExists(canonical) {
			return nil, nil
		}
		audio, err := c.renderer.Synthesize(ctx, tts.SynthesisRequest{Language: language, Text: text})
		if err != nil {
			return nil, fmt.Errorf("render %s/%s: %w", node, hash, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache node dir: %w", err)
		}
		if err := writeAtomic(dir, canonical, audio); err != nil {
			return nil, err
		}
		c.logger.Debug().Str("node", node).Str("hash", hash).Int("bytes", len(audio)).Msg("rendered prompt")
		return nil, nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// SanitizeNodeID normalizes path separators so a node id forms a single safe
// directory segment.
func SanitizeNodeID(nodeID string) string {
	nodeID = strings.TrimSpace(nodeID)
	nodeID = strings.ReplaceAll(nodeID, "/", "_")
	nodeID = strings.ReplaceAll(nodeID, "\\", "_")
	nodeID = strings.ReplaceAll(nodeID, "..", "_")
	return nodeID
}

// TextHash computes the content hash over the exact rendered text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// writeAtomic writes to a temp name in the same directory and renames into
// place so a failed render never leaves a partial file under the canonical
// name.
func writeAtomic(dir, canonical string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".render-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpName, canonical); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}
