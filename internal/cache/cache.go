// Package cache stores extraction bundles under a content-addressed key so
// identical answer text is never extracted twice for the same prompt and
// engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Backend persists cache entries. A miss is reported as model.ErrNotFound.
type Backend interface {
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e model.CacheEntry) error
}

// Lookup is the result of Get. Err records a backend or decode failure
// that was downgraded to a miss.
type Lookup struct {
	Hit  bool
	Data *model.ExtractionResult
	Key  string
	Err  error
}

// Cache is an advisory extraction cache: backend failures degrade to a
// miss on Get and are swallowed on Put.
type Cache struct {
	backend Backend
}

// New creates a Cache over backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// NormalizeText trims text, converts CRLF to LF and collapses runs of
// whitespace so formatting noise does not change the key.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Join(strings.Fields(s), " ")
}

// Key derives the cache key for an answer, prompt and engine.
func Key(answer, promptID, engineKey string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(answer)))
	h.Write([]byte{0})
	h.Write([]byte(promptID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(engineKey)))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the stored bundle for the inputs, if any.
func (c *Cache) Get(ctx context.Context, answer, promptID, engineKey string) Lookup {
	key := Key(answer, promptID, engineKey)
	log := zap.L().With(zap.String("cache_key", key), zap.String("prompt_id", promptID), zap.String("engine", engineKey))

	entry, err := c.backend.GetCacheEntry(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Debug("cache: miss")
			return Lookup{Key: key}
		}
		log.Warn("cache: lookup failed, treating as miss", zap.Error(err))
		return Lookup{Key: key, Err: eris.Wrap(err, "cache: get")}
	}

	var data model.ExtractionResult
	if err := json.Unmarshal(entry.Payload, &data); err != nil {
		log.Warn("cache: corrupt entry, treating as miss", zap.Error(err))
		return Lookup{Key: key, Err: eris.Wrap(err, "cache: decode")}
	}
	log.Debug("cache: hit")
	return Lookup{Hit: true, Data: &data, Key: key}
}

// Put stores data with meta under the key for the inputs. Failures are
// logged and returned for callers that record advisories.
func (c *Cache) Put(ctx context.Context, answer, promptID, engineKey string, data model.ExtractionResult, meta model.ExtractionMetadata) error {
	key := Key(answer, promptID, engineKey)
	data.Metadata = meta

	payload, err := Encode(data)
	if err != nil {
		zap.L().Warn("cache: encode failed", zap.String("cache_key", key), zap.Error(err))
		return err
	}

	err = c.backend.PutCacheEntry(ctx, model.CacheEntry{
		Key:         key,
		PromptID:    promptID,
		EngineKey:   strings.ToUpper(engineKey),
		Payload:     payload,
		Model:       meta.Model,
		Confidence:  meta.Confidence,
		ExtractedAt: meta.ExtractedAt,
	})
	if err != nil {
		zap.L().Warn("cache: store failed", zap.String("cache_key", key), zap.Error(err))
		return eris.Wrap(err, "cache: put")
	}
	return nil
}

// Encode marshals a bundle into RFC 8785 canonical JSON so equal bundles
// are stored byte-identically.
func Encode(data model.ExtractionResult) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "cache: marshal")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, eris.Wrap(err, "cache: canonicalize")
	}
	return canonical, nil
}
