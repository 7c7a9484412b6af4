package pipeline

import (
	"time"

	"github.com/google/uuid"

	"reimage/internal/engine"
)

// JobFromManifest builds a job that re-runs the invocation described by the
// manifest at path, writing the result mask next to its buffers.
func JobFromManifest(path, exe string, timeout time.Duration) (Job, error) {
	m, err := engine.LoadManifest(path)
	if err != nil {
		return Job{}, err
	}
	req, err := m.Request(exe)
	if err != nil {
		return Job{}, err
	}
	req.ID = uuid.NewString()
	req.Timeout = timeout
	return Job{ID: req.ID, ManifestPath: path, Request: req}, nil
}
