// Package ingest turns an image URL into a validated, committed image file.
//
// Ingestion downloads the bytes, writes them to a staging area under the
// bare trigger name, sniffs the real content type, and either deletes the
// staging file (unsupported content) or atomically moves it into
// images/<community>/<trigger>.<ext>. The image directory therefore only
// ever holds complete, correctly named files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/entrhq/emocchi/pkg/filestore"
	"github.com/entrhq/emocchi/pkg/logging"
)

const (
	// ImagesDir holds committed images, one subdirectory per community.
	ImagesDir = "images"

	// StagingDir holds downloads whose type has not been verified yet.
	StagingDir = "staging"
)

// Ingestor runs the download-validate-commit pipeline. Calls for distinct
// (community, trigger) pairs may run concurrently; callers serialize calls
// for the same pair.
type Ingestor struct {
	files      *filestore.Store
	downloader *Downloader
	log        *logging.Logger
}

// New creates an Ingestor storing files in files and fetching with downloader.
func New(files *filestore.Store, downloader *Downloader, log *logging.Logger) *Ingestor {
	return &Ingestor{files: files, downloader: downloader, log: log}
}

// CommunityDir maps a community identifier to a single safe path element.
func CommunityDir(community string) string {
	escaped := url.PathEscape(community)
	if escaped == "" {
		return "_"
	}
	if strings.Trim(escaped, ".") == "" {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}

func imageDir(community string) string {
	return path.Join(ImagesDir, CommunityDir(community))
}

func stagingDir(community string) string {
	return path.Join(StagingDir, CommunityDir(community))
}

// Ingest downloads rawURL and commits it as the image for trigger in
// community, returning the stored file name. Errors are *DownloadError,
// *UnsupportedTypeError or storage failures; on any error no artifact for
// the trigger is left behind.
func (i *Ingestor) Ingest(ctx context.Context, community, trigger, rawURL string) (string, error) {
	data, err := i.downloader.Download(ctx, rawURL)
	if err != nil {
		i.log.Warnf("ingest %s/%s: %v", community, trigger, err)
		return "", err
	}
	return i.Commit(community, trigger, data)
}

// Commit stages data under the bare trigger name, verifies its type and
// moves it into the community's image directory.
func (i *Ingestor) Commit(community, trigger string, data []byte) (string, error) {
	staging := stagingDir(community)

	if err := i.files.Write(staging, trigger, data); err != nil {
		i.discard(staging, trigger)
		return "", fmt.Errorf("ingest: stage %s: %w", trigger, err)
	}

	stagedPath, err := i.files.Path(staging, trigger)
	if err != nil {
		i.discard(staging, trigger)
		return "", fmt.Errorf("ingest: stage %s: %w", trigger, err)
	}

	ext, err := DetectType(stagedPath)
	if err != nil {
		i.discard(staging, trigger)
		i.log.Warnf("ingest %s/%s: %v", community, trigger, err)
		return "", err
	}

	final := FinalName(trigger, ext)
	if err := i.files.Move(staging, trigger, imageDir(community), final); err != nil {
		i.discard(staging, trigger)
		return "", fmt.Errorf("ingest: commit %s: %w", final, err)
	}

	i.log.Infof("ingested %s/%s as %s (%d bytes)", community, trigger, final, len(data))
	return final, nil
}

func (i *Ingestor) discard(dir, name string) {
	err := i.files.Delete(dir, name)
	if err != nil && !errors.Is(err, filestore.ErrNotFound) && !errors.Is(err, filestore.ErrInvalidPath) {
		i.log.Errorf("discard staged %s/%s: %v", dir, name, err)
	}
}

// SweepStaging removes everything left in the staging area, such as files
// from an ingestion interrupted by a crash. Run it at startup.
func (i *Ingestor) SweepStaging() error {
	if err := i.files.RemoveAll(StagingDir); err != nil {
		return fmt.Errorf("ingest: sweep staging: %w", err)
	}
	return nil
}

// Open streams the stored image fileName of community.
func (i *Ingestor) Open(community, fileName string) (io.ReadCloser, error) {
	return i.files.Open(imageDir(community), fileName)
}

// Delete removes the stored image fileName of community.
func (i *Ingestor) Delete(community, fileName string) error {
	return i.files.Delete(imageDir(community), fileName)
}
