package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
	"qbit-optimizer/internal/storage"
)

// ArchiveService moves expired history samples to object storage.
type ArchiveService interface {
	Run(ctx context.Context) (ArchiveResult, error)
}

type ArchiveConfig struct {
	Bucket         string
	KeyPrefix      string
	RetentionDays  int
	RemoteKeepDays int
	BatchSize      int
	Logger         *logrus.Logger
	Now            func() time.Time
}

// ArchiveResult summarises one archive run.
type ArchiveResult struct {
	Objects        []string
	Samples        int64
	PrunedPrefixes []string
}

type archiveService struct {
	cfg     ArchiveConfig
	history repository.HistoryRepository
	storage storage.Service
	running sync.Mutex
}

const archiveDayLayout = "2006/01/02"

func NewArchiveService(cfg ArchiveConfig, history repository.HistoryRepository, store storage.Service) ArchiveService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyPrefix = strings.Trim(cfg.KeyPrefix, "/")
	return &archiveService{cfg: cfg, history: history, storage: store}
}

// Run exports samples older than the retention window in batches, deleting
// each batch locally only after its upload succeeded.
func (s *archiveService) Run(ctx context.Context) (ArchiveResult, error) {
	if !s.running.TryLock() {
		return ArchiveResult{}, domain.ErrBusy
	}
	defer s.running.Unlock()

	var result ArchiveResult
	now := s.cfg.Now()
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	logger := s.cfg.Logger.WithField("component", "archive")

	for {
		samples, err := s.history.ListBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		if len(samples) == 0 {
			break
		}

		body, err := encodeSamples(samples)
		if err != nil {
			return result, err
		}
		first, last := samples[0].ID, samples[len(samples)-1].ID
		key := path.Join(s.cfg.KeyPrefix, now.UTC().Format(archiveDayLayout), fmt.Sprintf("history-%d-%d.jsonl.gz", first, last))

		location, err := s.storage.Upload(ctx, bytes.NewReader(body), storage.UploadOptions{
			Bucket:           s.cfg.Bucket,
			Key:              key,
			ContentType:      "application/x-ndjson",
			ContentEncoding:  "gzip",
			Size:             int64(len(body)),
			ProgressCallback: newUploadProgressLogger(logger.WithField("key", key)),
		})
		if err != nil {
			return result, err
		}

		deleted, err := s.history.DeleteThrough(ctx, last, cutoff)
		if err != nil {
			return result, err
		}
		result.Objects = append(result.Objects, location)
		result.Samples += deleted
		logger.Infof("archived %d history samples to %s (%s)", deleted, location, humanize.IBytes(uint64(len(body))))

		if len(samples) < s.cfg.BatchSize {
			break
		}
	}

	pruned, err := s.pruneRemote(ctx, now)
	result.PrunedPrefixes = pruned
	if err != nil {
		return result, err
	}
	return result, nil
}

// pruneRemote drops whole day folders older than RemoteKeepDays. Zero keeps
// archives forever.
func (s *archiveService) pruneRemote(ctx context.Context, now time.Time) ([]string, error) {
	if s.cfg.RemoteKeepDays <= 0 {
		return nil, nil
	}
	root := s.cfg.KeyPrefix
	if root != "" {
		root += "/"
	}
	objects, err := s.storage.ListObjects(ctx, s.cfg.Bucket, root)
	if err != nil {
		return nil, err
	}

	limit := now.UTC().AddDate(0, 0, -s.cfg.RemoteKeepDays)
	seen := map[string]struct{}{}
	var pruned []string
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, root)
		parts := strings.SplitN(rest, "/", 4)
		if len(parts) < 4 {
			continue
		}
		day := strings.Join(parts[:3], "/")
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}

		at, err := time.Parse(archiveDayLayout, day)
		if err != nil || !at.Before(limit) {
			continue
		}
		prefix := root + day + "/"
		if err := s.storage.DeletePrefix(ctx, s.cfg.Bucket, prefix); err != nil {
			return pruned, err
		}
		pruned = append(pruned, prefix)
	}
	return pruned, nil
}

func encodeSamples(samples []domain.HistorySample) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, sample := range samples {
		if err := enc.Encode(sample); err != nil {
			return nil, fmt.Errorf("encode history sample %d: %w", sample.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	return func(done, total int64) {
		if total == 0 {
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Debugf("upload progress: %.1f%% (%s/%s)", percent, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	}
}

var _ ArchiveService = (*archiveService)(nil)
