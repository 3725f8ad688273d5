// Package fetch retrieves the controller's configuration archive, verifies
// and decompresses it, and keeps a local cache keyed by the remote
// last-modified timestamp.
package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
	"codeberg.org/mutker/loxbridge/internal/loxcc"
)

const (
	archiveDir      = "prog"
	configEntry     = "sps0.LoxCC"
	metadataEntry   = "LoxAPP3.json"
	metadataFile    = "LoxAPP3.json"
	archivePrefix   = "sps_"
	metadataTimeFmt = "2006-01-02 15:04:05"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Metadata is the parsed companion document of the structural configuration.
type Metadata struct {
	LastModified time.Time
	Raw          map[string]any
}

// Fetcher loads the newest configuration from the controller, or from the
// local cache while the remote copy is unchanged.
type Fetcher struct {
	transfer Transfer
	probe    VersionProbe
	dataDir  string

	lastModified time.Time
}

func New(transfer Transfer, probe VersionProbe, dataDir string) *Fetcher {
	return &Fetcher{
		transfer: transfer,
		probe:    probe,
		dataDir:  dataDir,
	}
}

// Fetch returns the structural document and its metadata. With useCache, a
// cached copy whose stored timestamp is at least the remote-reported one is
// returned without touching the transfer side. With persist, a fresh fetch
// replaces both cache files together; a failed fetch leaves the previous
// cache unmodified.
func (f *Fetcher) Fetch(ctx context.Context, persist, useCache bool) (string, *Metadata, error) {
	if useCache {
		if document, meta, ok := f.tryCache(ctx); ok {
			return document, meta, nil
		}
	}

	return f.fetchRemote(ctx, persist)
}

func (f *Fetcher) tryCache(ctx context.Context) (string, *Metadata, bool) {
	stored := f.lastModified
	if stored.IsZero() {
		meta, err := f.readCachedMetadata()
		if err != nil {
			return "", nil, false
		}
		stored = meta.LastModified
	}

	remote, err := f.probe.LastModified(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Version probe failed, skipping cache")
		return "", nil, false
	}
	if stored.Before(remote) {
		logger.Info().
			Time("cached", stored).
			Time("remote", remote).
			Msg("Cached configuration is stale")
		return "", nil, false
	}

	document, meta, err := f.readCache()
	if err != nil {
		logger.ErrorWithCode(asCoded(err)).Msg("Failed to read cached configuration")
		return "", nil, false
	}

	logger.Info().Time("last_modified", meta.LastModified).Msg("Using cached configuration")
	f.lastModified = meta.LastModified

	return document, meta, true
}

func (f *Fetcher) fetchRemote(ctx context.Context, persist bool) (string, *Metadata, error) {
	errFactory := errors.New()

	if err := f.transfer.ChangeDirectory(ctx, archiveDir); err != nil {
		return "", nil, errFactory.Wrap(ErrTransfer, err)
	}

	entries, err := f.transfer.ListEntries(ctx)
	if err != nil {
		return "", nil, errFactory.Wrap(ErrTransfer, err)
	}

	name := selectArchive(entries)
	if name == "" {
		return "", nil, errFactory.WithData(ErrNoArchive, entries)
	}
	logger.Info().Str("archive", name).Msg("Selected configuration archive")

	stream, err := f.transfer.DownloadStream(ctx, "/"+archiveDir+"/"+name)
	if err != nil {
		return "", nil, errFactory.Wrap(ErrTransfer, err)
	}
	data, err := io.ReadAll(stream)
	closeErr := stream.Close()
	if err != nil {
		return "", nil, errFactory.Wrap(ErrTransfer, err)
	}
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("Closing download stream failed")
	}

	document, meta, err := extractArchive(data)
	if err != nil {
		return "", nil, err
	}

	if persist {
		if err := f.writeCache(name, document, meta); err != nil {
			return "", nil, err
		}
	}

	f.lastModified = meta.LastModified

	return document, meta, nil
}

// selectArchive picks the lexicographically greatest matching entry; archive
// names encode monotonically increasing versions.
func selectArchive(entries []string) string {
	matching := make([]string, 0, len(entries))
	for _, name := range entries {
		if !strings.HasPrefix(name, archivePrefix) {
			continue
		}
		if strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".LoxCC") {
			matching = append(matching, name)
		}
	}
	if len(matching) == 0 {
		return ""
	}
	sort.Strings(matching)

	return matching[len(matching)-1]
}

func extractArchive(data []byte) (string, *Metadata, error) {
	errFactory := errors.New()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, errFactory.Wrap(ErrArchiveFormat, err)
	}

	compressed, err := readZipEntry(zr, configEntry)
	if err != nil {
		return "", nil, err
	}
	document, err := loxcc.Unpack(compressed)
	if err != nil {
		return "", nil, err
	}

	metaRaw, err := readZipEntry(zr, metadataEntry)
	if err != nil {
		return "", nil, err
	}
	meta, err := parseMetadata(metaRaw)
	if err != nil {
		return "", nil, err
	}

	return string(document), meta, nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	errFactory := errors.New()

	rc, err := zr.Open(name)
	if err != nil {
		return nil, errFactory.WithMessage(ErrArchiveFormat, "missing archive entry").WithData(name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errFactory.Wrap(ErrArchiveFormat, err)
	}

	return data, nil
}

func parseMetadata(data []byte) (*Metadata, error) {
	errFactory := errors.New()

	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errFactory.Wrap(ErrMetadataFormat, err)
	}

	stamp, _ := raw["lastModified"].(string)
	lastModified, err := time.Parse(metadataTimeFmt, stamp)
	if err != nil {
		return nil, errFactory.WithMessage(ErrMetadataFormat, "invalid lastModified timestamp").WithData(stamp)
	}

	return &Metadata{LastModified: lastModified, Raw: raw}, nil
}

// readCache loads the newest cached document and its metadata.
func (f *Fetcher) readCache() (string, *Metadata, error) {
	errFactory := errors.New()

	meta, err := f.readCachedMetadata()
	if err != nil {
		return "", nil, err
	}

	names, err := filepath.Glob(filepath.Join(f.dataDir, archivePrefix+"*.xml"))
	if err != nil || len(names) == 0 {
		return "", nil, errFactory.WithMessage(ErrCacheRead, "no cached document").WithData(f.dataDir)
	}
	sort.Strings(names)

	document, err := os.ReadFile(names[len(names)-1])
	if err != nil {
		return "", nil, errFactory.Wrap(ErrCacheRead, err)
	}

	return string(document), meta, nil
}

func (f *Fetcher) readCachedMetadata() (*Metadata, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(filepath.Join(f.dataDir, metadataFile))
	if err != nil {
		return nil, errFactory.Wrap(ErrCacheRead, err)
	}

	return parseMetadata(data)
}

// writeCache replaces both cache files. Content goes to temporary files
// first and is renamed into place only after both writes succeeded, so a
// failure mid-write never leaves a half-updated cache.
func (f *Fetcher) writeCache(archiveName, document string, meta *Metadata) error {
	errFactory := errors.New()

	if err := os.MkdirAll(f.dataDir, dirPerm); err != nil {
		return errFactory.Wrap(ErrCacheWrite, err)
	}

	docName := strings.TrimSuffix(strings.TrimSuffix(archiveName, ".zip"), ".LoxCC") + ".xml"
	docPath := filepath.Join(f.dataDir, docName)
	metaPath := filepath.Join(f.dataDir, metadataFile)

	metaRaw, err := json.Marshal(meta.Raw)
	if err != nil {
		return errFactory.Wrap(ErrCacheWrite, err)
	}

	docTmp := docPath + ".tmp"
	metaTmp := metaPath + ".tmp"
	if err := os.WriteFile(docTmp, []byte(document), filePerm); err != nil {
		return errFactory.Wrap(ErrCacheWrite, err)
	}
	if err := os.WriteFile(metaTmp, metaRaw, filePerm); err != nil {
		os.Remove(docTmp)
		return errFactory.Wrap(ErrCacheWrite, err)
	}

	if err := os.Rename(docTmp, docPath); err != nil {
		os.Remove(docTmp)
		os.Remove(metaTmp)
		return errFactory.Wrap(ErrCacheWrite, err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		os.Remove(metaTmp)
		return errFactory.Wrap(ErrCacheWrite, err)
	}

	logger.Info().Str("document", docPath).Str("metadata", metaPath).Msg("Configuration cached")

	return nil
}

func asCoded(err error) errors.Error {
	var coded errors.Error
	if errors.As(err, &coded) {
		return coded
	}

	return errors.New().Wrap(errors.ErrInternal, err)
}
