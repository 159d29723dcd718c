// Package export reads export bundles shipped by peers in syncExport packets.
package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/and161185/peersync/internal/crypto/bundle"
	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

const (
	storesDir    = "stores/"
	channelsFile = "cache/channels.json"

	// StoreSubscriptions is the store entry holding subscriptions.
	StoreSubscriptions = "subscriptions"
	// maxEntrySize bounds a single decompressed zip entry.
	maxEntrySize = 64 << 20
)

// Bundle is the parsed content of an export archive.
type Bundle struct {
	// Stores maps a store name to its serialized entries.
	Stores map[string][]string
	Cache  model.ExportCache
}

// Parse reads a plain zip export or, when the body is sealed, opens it with
// passphrase first.
func Parse(data, passphrase []byte) (*Bundle, error) {
	if bundle.IsSealed(data) {
		pt, err := bundle.Open(passphrase, data)
		if err != nil {
			return nil, err
		}
		data = pt
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("export archive: %v: %w", err, errs.ErrMalformedPayload)
	}

	b := &Bundle{
		Stores: map[string][]string{},
		Cache:  model.ExportCache{Channels: map[string]model.Channel{}},
	}
	for _, f := range zr.File {
		switch {
		case f.Name == channelsFile:
			var channels []model.Channel
			if err := readJSON(f, &channels); err != nil {
				return nil, err
			}
			for _, ch := range channels {
				if ch.URL != "" {
					b.Cache.Channels[ch.URL] = ch
				}
			}
		case strings.HasPrefix(f.Name, storesDir) && !f.FileInfo().IsDir():
			var entries []string
			if err := readJSON(f, &entries); err != nil {
				return nil, err
			}
			b.Stores[path.Base(f.Name)] = entries
		}
	}
	return b, nil
}

func readJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%s: %v: %w", f.Name, err, errs.ErrMalformedPayload)
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
	if err != nil {
		return fmt.Errorf("%s: %v: %w", f.Name, err, errs.ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %v: %w", f.Name, err, errs.ErrMalformedPayload)
	}
	return nil
}

// Build writes stores and channels into a zip archive. It is the inverse of
// Parse and is used by syncctl to produce bundles.
func Build(stores map[string][]string, channels []model.Channel) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, entries := range stores {
		w, err := zw.Create(storesDir + name)
		if err != nil {
			return nil, err
		}
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			return nil, err
		}
	}
	if len(channels) > 0 {
		w, err := zw.Create(channelsFile)
		if err != nil {
			return nil, err
		}
		if err := json.NewEncoder(w).Encode(channels); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
