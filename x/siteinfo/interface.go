package siteinfo

import "errors"

var (
	// ErrUnknownPar indicates the queuedata has no value for the key.
	ErrUnknownPar = errors.New("siteinfo: unknown queue parameter")

	// ErrUnknownEndpoint indicates no object store matches the name.
	ErrUnknownEndpoint = errors.New("siteinfo: unknown objectstore endpoint")
)

// Service is the read-only site-information oracle. The pilot consults it
// for queue parameters, copy-tool setup and object-store addressing; it
// never writes through it.
type Service interface {
	// ReadPar returns the raw value of a queuedata key ("catchall",
	// "envsetup", ...).
	ReadPar(key string) (string, error)

	// GetCopySetup returns the shell setup string for the copy tool used
	// in the given direction.
	GetCopySetup(stageIn bool) (string, error)

	// GetObjectstoreDDMEndpoint resolves a bucket name ("eventservice")
	// to its DDM endpoint name.
	GetObjectstoreDDMEndpoint(bucketName string) (string, error)

	// GetObjectstoreBucketID resolves a DDM endpoint to its bucket id.
	GetObjectstoreBucketID(endpoint string) (int, error)

	// GetObjectstorePath builds the bucket path for the given access
	// label ("w" or "r").
	GetObjectstorePath(bucketID int, label string) (string, error)

	// GetQueuedataFileName returns the path of the site's queue
	// configuration file, so it can be copied into job working dirs.
	GetQueuedataFileName() string
}
