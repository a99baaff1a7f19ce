package siteinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// queuedata mirrors the site's queue configuration file.
type queuedata struct {
	Params       map[string]string `yaml:"params"`
	CopySetup    string            `yaml:"copysetup"`
	CopySetupIn  string            `yaml:"copysetup_in"`
	Objectstores []objectstore     `yaml:"objectstores"`
}

type objectstore struct {
	Name        string `yaml:"name"`
	DDMEndpoint string `yaml:"ddmendpoint"`
	BucketID    int    `yaml:"os_bucket_id"`
	PathWrite   string `yaml:"path_w"`
	PathRead    string `yaml:"path_r"`
}

// FileService is the file-backed oracle reading a YAML queuedata file.
type FileService struct {
	path   string
	data   queuedata
	logger zerolog.Logger
}

// NewFileService loads the queuedata file at path.
func NewFileService(path string, logger zerolog.Logger) (*FileService, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("siteinfo: read queuedata: %w", err)
	}
	var data queuedata
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("siteinfo: decode queuedata %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &FileService{
		path:   abs,
		data:   data,
		logger: logger.With().Str("component", "siteinfo").Logger(),
	}, nil
}

func (s *FileService) ReadPar(key string) (string, error) {
	v, ok := s.data.Params[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPar, key)
	}
	return v, nil
}

func (s *FileService) GetCopySetup(stageIn bool) (string, error) {
	if stageIn && s.data.CopySetupIn != "" {
		return s.data.CopySetupIn, nil
	}
	return s.data.CopySetup, nil
}

func (s *FileService) GetObjectstoreDDMEndpoint(bucketName string) (string, error) {
	for _, store := range s.data.Objectstores {
		if store.Name == bucketName {
			return store.DDMEndpoint, nil
		}
	}
	return "", fmt.Errorf("%w: bucket %s", ErrUnknownEndpoint, bucketName)
}

func (s *FileService) GetObjectstoreBucketID(endpoint string) (int, error) {
	for _, store := range s.data.Objectstores {
		if store.DDMEndpoint == endpoint {
			return store.BucketID, nil
		}
	}
	return 0, fmt.Errorf("%w: endpoint %s", ErrUnknownEndpoint, endpoint)
}

func (s *FileService) GetObjectstorePath(bucketID int, label string) (string, error) {
	for _, store := range s.data.Objectstores {
		if store.BucketID != bucketID {
			continue
		}
		if strings.EqualFold(label, "r") && store.PathRead != "" {
			return store.PathRead, nil
		}
		return store.PathWrite, nil
	}
	return "", fmt.Errorf("%w: bucket id %d", ErrUnknownEndpoint, bucketID)
}

func (s *FileService) GetQueuedataFileName() string {
	return s.path
}
