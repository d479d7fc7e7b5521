package backup

import (
	"context"
	"fmt"
)

// VerifyResult reports a backup's integrity status.
type VerifyResult struct {
	BackupID         string   `json:"backupId"`
	Valid            bool     `json:"valid"`
	RecordedChecksum string   `json:"recordedChecksum"`
	ComputedChecksum string   `json:"computedChecksum"`
	SizeBytes        int64    `json:"sizeBytes"`
	MissingArtifacts []string `json:"missingArtifacts,omitempty"`
	Detail           string   `json:"detail,omitempty"`
}

// expectedArtifacts lists the component files a completed backup must carry.
func expectedArtifacts(md *Metadata) []string {
	var paths []string
	if md.Components[componentGraph] {
		paths = append(paths, graphDumpPath(md.ID))
	}
	if md.Components[componentVectors] {
		paths = append(paths, vectorManifestPath(md.ID))
	}
	if md.Components[componentTabular] {
		paths = append(paths, tabularDumpPath(md.ID))
	}
	if md.Components[componentConfig] {
		paths = append(paths, configDumpPath(md.ID))
	}
	return paths
}

// VerifyBackup recomputes the checksum over the stored artifacts and
// reports missing component files. It never mutates anything.
func (c *Coordinator) VerifyBackup(ctx context.Context, backupID string) (*VerifyResult, error) {
	md, err := c.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	provider, err := c.providers.Resolve(md.ProviderID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{BackupID: backupID, RecordedChecksum: md.Checksum}

	for _, path := range expectedArtifacts(md) {
		ok, existsErr := provider.Exists(ctx, path)
		if existsErr != nil {
			return nil, existsErr
		}
		if !ok {
			result.MissingArtifacts = append(result.MissingArtifacts, path)
		}
	}
	if md.Components[componentVectors] {
		var manifest vectorManifest
		if err := c.readComponentJSON(ctx, provider, vectorManifestPath(md.ID), &manifest); err == nil {
			for _, collection := range manifest.Collections {
				ok, existsErr := provider.Exists(ctx, md.ID+"/"+collection.PointsFile)
				if existsErr == nil && !ok {
					result.MissingArtifacts = append(result.MissingArtifacts, md.ID+"/"+collection.PointsFile)
				}
			}
		}
	}

	size, computed, err := c.measure(ctx, provider, backupID)
	if err != nil {
		return nil, err
	}
	result.SizeBytes = size
	result.ComputedChecksum = computed
	result.Valid = len(result.MissingArtifacts) == 0 &&
		(md.Checksum == "" || computed == md.Checksum)
	if !result.Valid && len(result.MissingArtifacts) == 0 {
		result.Detail = fmt.Sprintf("checksum mismatch: recorded %s, computed %s", md.Checksum, computed)
	}
	return result, nil
}
