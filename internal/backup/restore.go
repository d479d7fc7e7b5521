package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/observability"
)

// RestoreToken gates the apply phase. Tokens are single-use and expire
// after the configured TTL.
type RestoreToken struct {
	Token            string    `json:"token"`
	BackupID         string    `json:"backupId"`
	IssuedAt         time.Time `json:"issuedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RequestedBy      string    `json:"requestedBy,omitempty"`
	RequiresApproval bool      `json:"requiresApproval"`
	Approved         bool      `json:"approved"`
	ApprovedBy       string    `json:"approvedBy,omitempty"`
	CanProceed       bool      `json:"canProceed"`
}

// ComponentCheck is one preview finding. Status is one of valid, warning,
// invalid, missing.
type ComponentCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// RestorePreview is the dry-run result plus the token that unlocks apply.
type RestorePreview struct {
	BackupID          string           `json:"backupId"`
	Status            string           `json:"status"` // dry_run_completed | failed
	Checks            []ComponentCheck `json:"checks"`
	IntegrityVerified bool             `json:"integrityVerified"`
	Token             *RestoreToken    `json:"token,omitempty"`
}

// PreviewOptions tune the dry run.
type PreviewOptions struct {
	RequestedBy     string
	VerifyIntegrity bool
}

// ApplyOptions select the components to restore. Empty Components means
// every component the backup recorded.
type ApplyOptions struct {
	Token      string
	Components []string
}

// RestoreResult reports the apply outcome per component.
type RestoreResult struct {
	BackupID    string            `json:"backupId"`
	Status      string            `json:"status"`
	Components  map[string]string `json:"components"`
	CompletedAt time.Time         `json:"completedAt"`
}

func newTokenValue() string { return uuid.NewString() }

// PreviewRestore validates the backup's artifacts without touching live
// data and issues a restore token describing whether apply can proceed.
func (c *Coordinator) PreviewRestore(ctx context.Context, backupID string, opts PreviewOptions) (*RestorePreview, error) {
	md, err := c.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	provider, err := c.providers.Resolve(md.ProviderID)
	if err != nil {
		return nil, err
	}

	preview := &RestorePreview{BackupID: backupID, Status: "dry_run_completed"}
	preview.Checks = c.checkComponents(ctx, provider, md)

	blocking := false
	for _, check := range preview.Checks {
		if check.Status == "invalid" || check.Status == "missing" {
			blocking = true
		}
	}

	if opts.VerifyIntegrity {
		_, actual, measureErr := c.measure(ctx, provider, backupID)
		switch {
		case measureErr != nil:
			blocking = true
			preview.Checks = append(preview.Checks, ComponentCheck{
				Component: "integrity", Status: "invalid", Detail: measureErr.Error()})
		case md.Checksum != "" && actual != md.Checksum:
			blocking = true
			preview.Checks = append(preview.Checks, ComponentCheck{
				Component: "integrity", Status: "invalid",
				Detail: fmt.Sprintf("checksum mismatch: recorded %s, computed %s", md.Checksum, actual)})
		default:
			preview.IntegrityVerified = true
			preview.Checks = append(preview.Checks, ComponentCheck{Component: "integrity", Status: "valid"})
		}
	}

	now := c.now().UTC()
	token := &RestoreToken{
		Token:            newTokenValue(),
		BackupID:         backupID,
		IssuedAt:         now,
		ExpiresAt:        now.Add(c.cfg.Backup.TokenTTL),
		RequestedBy:      opts.RequestedBy,
		RequiresApproval: blocking || c.cfg.Backup.RequireSecondApproval,
		CanProceed:       !blocking,
	}
	if blocking {
		preview.Status = "failed"
	}
	preview.Token = token

	c.mu.Lock()
	c.tokens[token.Token] = token
	c.mu.Unlock()

	c.logger.Info("restore preview completed",
		zap.String("backupId", backupID),
		zap.String("status", preview.Status),
		zap.Bool("canProceed", token.CanProceed))
	return preview, nil
}

func (c *Coordinator) checkComponents(ctx context.Context, provider Provider, md *Metadata) []ComponentCheck {
	var checks []ComponentCheck
	add := func(component, status, detail string) {
		checks = append(checks, ComponentCheck{Component: component, Status: status, Detail: detail})
	}

	if md.Components[componentGraph] {
		var dump graphDump
		err := c.readComponentJSON(ctx, provider, graphDumpPath(md.ID), &dump)
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			add(componentGraph, "missing", "graph dump artifact is absent")
		case err != nil:
			add(componentGraph, "invalid", err.Error())
		case len(dump.Nodes) == 0 && len(dump.Relationships) > 0:
			add(componentGraph, "warning", "relationships without any nodes")
		default:
			add(componentGraph, "valid", fmt.Sprintf("%d nodes, %d relationships",
				len(dump.Nodes), len(dump.Relationships)))
		}
	}

	if md.Components[componentVectors] {
		var manifest vectorManifest
		err := c.readComponentJSON(ctx, provider, vectorManifestPath(md.ID), &manifest)
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			add(componentVectors, "missing", "collections manifest is absent")
		case err != nil:
			add(componentVectors, "invalid", err.Error())
		default:
			points := 0
			status, detail := "valid", ""
			for _, collection := range manifest.Collections {
				points += collection.Count
				ok, existsErr := provider.Exists(ctx, md.ID+"/"+collection.PointsFile)
				if existsErr != nil || !ok {
					status, detail = "invalid", fmt.Sprintf("point file %s is absent", collection.PointsFile)
					break
				}
				if collection.Dimensions != c.cfg.Vector.Dimensions {
					status = "warning"
					detail = fmt.Sprintf("dump dimensions %d differ from configured %d",
						collection.Dimensions, c.cfg.Vector.Dimensions)
				}
			}
			if detail == "" {
				detail = fmt.Sprintf("%d points in %d collections", points, len(manifest.Collections))
			}
			add(componentVectors, status, detail)
		}
	}

	if md.Components[componentTabular] {
		var dumps []tableDump
		err := c.readComponentJSON(ctx, provider, tabularDumpPath(md.ID), &dumps)
		fallback := false
		if errors.IsKind(err, errors.KindNotFound) {
			// Older layouts carry SQL statements instead of structured rows.
			if _, sqlErr := provider.ReadFile(ctx, tabularFallbackPath(md.ID)); sqlErr == nil {
				err = nil
				fallback = true
			}
		}
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			add(componentTabular, "missing", "tabular dump is absent")
		case err != nil:
			add(componentTabular, "invalid", err.Error())
		case fallback:
			add(componentTabular, "valid", "sql statement dump")
		default:
			add(componentTabular, "valid", fmt.Sprintf("%d tables", len(dumps)))
		}
	}

	if md.Components[componentConfig] {
		var snapshot map[string]any
		err := c.readComponentJSON(ctx, provider, configDumpPath(md.ID), &snapshot)
		switch {
		case errors.IsKind(err, errors.KindNotFound):
			add(componentConfig, "missing", "config snapshot is absent")
		case err != nil:
			add(componentConfig, "invalid", err.Error())
		default:
			add(componentConfig, "valid", "")
		}
	}
	return checks
}

func (c *Coordinator) readComponentJSON(ctx context.Context, provider Provider, path string, out any) error {
	raw, err := provider.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ApproveRestore records the second approval on a pending token.
func (c *Coordinator) ApproveRestore(_ context.Context, tokenValue, approver string) (*RestoreToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[tokenValue]
	if !ok {
		return nil, errors.RestoreGate(errors.CodeRestoreTokenInvalid, "unknown restore token").
			WithComponent("backup").Build()
	}
	if c.now().After(token.ExpiresAt) {
		delete(c.tokens, tokenValue)
		return nil, errors.RestoreGate(errors.CodeRestoreTokenExpired, "restore token has expired").
			WithComponent("backup").WithResource(token.BackupID).Build()
	}
	token.Approved = true
	token.ApprovedBy = approver
	return token, nil
}

// gate validates and consumes the restore token, returning the backup id
// cleared for apply. The in-flight slot is reserved before returning.
func (c *Coordinator) gate(tokenValue string) (*RestoreToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tokenValue == "" {
		return nil, errors.RestoreGate(errors.CodeRestoreTokenRequired, "restore requires a preview token").
			WithComponent("backup").Build()
	}
	token, ok := c.tokens[tokenValue]
	if !ok {
		return nil, errors.RestoreGate(errors.CodeRestoreTokenInvalid, "unknown restore token").
			WithComponent("backup").Build()
	}
	if c.now().After(token.ExpiresAt) {
		delete(c.tokens, tokenValue)
		return nil, errors.RestoreGate(errors.CodeRestoreTokenExpired, "restore token has expired").
			WithComponent("backup").WithResource(token.BackupID).Build()
	}
	if !token.CanProceed && !token.Approved {
		return nil, errors.RestoreGate(errors.CodeRestoreValidationError, "preview reported blocking findings").
			WithComponent("backup").WithResource(token.BackupID).Build()
	}
	if token.RequiresApproval && !token.Approved {
		return nil, errors.RestoreGate(errors.CodeRestoreApprovalNeeded, "restore requires a second approval").
			WithComponent("backup").WithResource(token.BackupID).Build()
	}
	if c.inflight[token.BackupID] {
		return nil, errors.Conflict(errors.CodeRestoreInProgress, "a restore for this backup is already running").
			WithComponent("backup").WithResource(token.BackupID).Build()
	}

	// Token is consumed and the backup id reserved atomically.
	delete(c.tokens, tokenValue)
	c.inflight[token.BackupID] = true
	return token, nil
}

// ApplyRestore replaces live data with the backup's contents. The token
// issued by PreviewRestore is consumed whether or not the apply succeeds.
func (c *Coordinator) ApplyRestore(ctx context.Context, opts ApplyOptions) (*RestoreResult, error) {
	token, err := c.gate(opts.Token)
	if err != nil {
		return nil, err
	}
	defer func() {
		c.mu.Lock()
		delete(c.inflight, token.BackupID)
		c.mu.Unlock()
	}()

	md, err := c.GetBackup(ctx, token.BackupID)
	if err != nil {
		return nil, err
	}
	provider, err := c.providers.Resolve(md.ProviderID)
	if err != nil {
		return nil, err
	}

	if md.Checksum != "" {
		_, actual, measureErr := c.measure(ctx, provider, md.ID)
		if measureErr != nil {
			return nil, maintenanceError("ApplyRestore", measureErr)
		}
		if actual != md.Checksum {
			return nil, errors.Integrity(errors.CodeIntegrityMismatch, "backup artifacts fail integrity verification").
				WithComponent("backup").WithResource(md.ID).
				WithDetails("recorded %s, computed %s", md.Checksum, actual).Build()
		}
	}

	wanted := map[string]bool{}
	if len(opts.Components) == 0 {
		for component, present := range md.Components {
			wanted[component] = present
		}
	} else {
		for _, component := range opts.Components {
			wanted[component] = md.Components[component]
		}
	}

	result := &RestoreResult{
		BackupID:   token.BackupID,
		Status:     "completed",
		Components: map[string]string{},
	}
	restoreOrder := []string{componentGraph, componentVectors, componentTabular, componentConfig}
	for _, component := range restoreOrder {
		include, requested := wanted[component]
		if !requested {
			continue
		}
		if !include {
			result.Components[component] = "skipped"
			continue
		}
		var restoreErr error
		switch component {
		case componentGraph:
			restoreErr = c.restoreGraph(ctx, provider, md.ID)
		case componentVectors:
			restoreErr = c.restoreVectors(ctx, provider, md.ID)
		case componentTabular:
			restoreErr = c.restoreTabular(ctx, provider, md.ID)
		case componentConfig:
			restoreErr = c.restoreConfig(ctx, provider, md.ID)
		}
		if restoreErr != nil {
			result.Components[component] = "failed"
			result.Status = "failed"
			return result, maintenanceError("ApplyRestore", restoreErr)
		}
		result.Components[component] = "restored"
	}

	result.CompletedAt = c.now().UTC()
	if c.bus != nil {
		c.bus.Emit("backup", "info", observability.EventRestoreCompleted, map[string]any{
			"backupId":   token.BackupID,
			"components": result.Components,
		})
	}
	c.logger.Info("restore completed",
		zap.String("backupId", token.BackupID),
		zap.Any("components", result.Components))
	return result, nil
}

// nodeLabels is the closed set a dump may carry. Anything outside it fails
// the restore before any write happens.
var nodeLabels = map[string]struct{}{
	"Entity": {}, "Embeddable": {}, "File": {}, "Directory": {}, "Module": {},
	"Symbol": {}, "Function": {}, "Class": {}, "Interface": {}, "TypeAlias": {},
	"Test": {}, "Spec": {}, "Documentation": {}, "BusinessDomain": {},
	"SemanticCluster": {}, "Session": {}, "Change": {}, "Version": {},
	"Checkpoint": {},
}

func (c *Coordinator) restoreGraph(ctx context.Context, provider Provider, backupID string) error {
	var dump graphDump
	if err := c.readComponentJSON(ctx, provider, graphDumpPath(backupID), &dump); err != nil {
		return err
	}
	nodes, rels := dump.Nodes, dump.Relationships

	// Validate label and type closed sets before the destructive step.
	nodeGroups := map[string][]nodeDump{}
	for _, node := range nodes {
		for _, label := range node.Labels {
			if _, ok := nodeLabels[label]; !ok {
				return errors.Validation(errors.CodeRestoreValidationError, "dump carries an unknown node label").
					WithComponent("backup").WithDetails("label %q", label).Build()
			}
		}
		sorted := append([]string(nil), node.Labels...)
		sort.Strings(sorted)
		key := strings.Join(sorted, ":")
		nodeGroups[key] = append(nodeGroups[key], node)
	}
	relGroups := map[string][]relDump{}
	for _, rel := range rels {
		if !domain.RelationshipType(rel.Type).Valid() {
			return errors.Validation(errors.CodeRestoreValidationError, "dump carries an unknown relationship type").
				WithComponent("backup").WithDetails("type %q", rel.Type).Build()
		}
		relGroups[rel.Type] = append(relGroups[rel.Type], rel)
	}

	if _, err := c.g.Run(ctx, graph.Query{
		Text:  `MATCH (n:Entity) DETACH DELETE n`,
		Write: true,
	}); err != nil {
		return err
	}

	groupKeys := make([]string, 0, len(nodeGroups))
	for key := range nodeGroups {
		groupKeys = append(groupKeys, key)
	}
	sort.Strings(groupKeys)
	for _, key := range groupKeys {
		group := nodeGroups[key]
		labels := ""
		for _, label := range strings.Split(key, ":") {
			labels += ":" + label
		}
		for start := 0; start < len(group); start += restoreChunkSize {
			end := start + restoreChunkSize
			if end > len(group) {
				end = len(group)
			}
			rows := make([]map[string]any, 0, end-start)
			for _, node := range group[start:end] {
				rows = append(rows, map[string]any{"props": node.Props})
			}
			if _, err := c.g.Run(ctx, graph.Query{
				Text:   `UNWIND $rows AS row CREATE (n` + labels + `) SET n = row.props`,
				Params: map[string]any{"rows": rows},
				Write:  true,
			}); err != nil {
				return err
			}
		}
	}

	relTypes := make([]string, 0, len(relGroups))
	for relType := range relGroups {
		relTypes = append(relTypes, relType)
	}
	sort.Strings(relTypes)
	for _, relType := range relTypes {
		group := relGroups[relType]
		for start := 0; start < len(group); start += restoreChunkSize {
			end := start + restoreChunkSize
			if end > len(group) {
				end = len(group)
			}
			rows := make([]map[string]any, 0, end-start)
			for _, rel := range group[start:end] {
				rows = append(rows, map[string]any{
					"fromId": rel.FromID,
					"toId":   rel.ToID,
					"props":  rel.Props,
				})
			}
			if _, err := c.g.Run(ctx, graph.Query{
				Text: `UNWIND $rows AS row
				       MATCH (a:Entity {id: row.fromId}), (b:Entity {id: row.toId})
				       CREATE (a)-[r:` + relType + `]->(b) SET r = row.props`,
				Params: map[string]any{"rows": rows},
				Write:  true,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) restoreVectors(ctx context.Context, provider Provider, backupID string) error {
	var manifest vectorManifest
	if err := c.readComponentJSON(ctx, provider, vectorManifestPath(backupID), &manifest); err != nil {
		return err
	}

	for _, collection := range manifest.Collections {
		label := collection.Label
		if label == "" {
			label = "Embeddable"
		}
		if _, err := c.g.Run(ctx, graph.Query{
			Text:  `MATCH (n:` + label + `) REMOVE n:` + label + ` SET n.embedding = null`,
			Write: true,
		}); err != nil {
			return err
		}
		indexName := collection.IndexName
		if indexName == "" {
			indexName = c.cfg.Vector.IndexName
		}
		dims := collection.Dimensions
		if dims == 0 {
			dims = c.cfg.Vector.Dimensions
		}
		similarity := collection.Similarity
		if similarity == "" {
			similarity = c.cfg.Vector.Similarity
		}
		if err := c.g.CreateVectorIndex(ctx, indexName, label, "embedding", dims, similarity); err != nil {
			return err
		}

		var points []pointDump
		if err := c.readComponentJSON(ctx, provider, backupID+"/"+collection.PointsFile, &points); err != nil {
			return err
		}
		for start := 0; start < len(points); start += pointChunkSize {
			end := start + pointChunkSize
			if end > len(points) {
				end = len(points)
			}
			items := make([]graph.VectorItem, 0, end-start)
			for _, point := range points[start:end] {
				items = append(items, graph.VectorItem{
					EntityID: point.EntityID,
					Vector:   point.Vector,
					Metadata: point.Metadata,
				})
			}
			if err := c.g.UpsertVectors(ctx, label, items); err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreTabular prefers the structured dump; older backups may only carry
// a statement script, which is replayed verbatim.
func (c *Coordinator) restoreTabular(ctx context.Context, provider Provider, backupID string) error {
	var dumps []tableDump
	err := c.readComponentJSON(ctx, provider, tabularDumpPath(backupID), &dumps)
	if errors.IsKind(err, errors.KindNotFound) {
		script, sqlErr := provider.ReadFile(ctx, tabularFallbackPath(backupID))
		if sqlErr == nil {
			return c.meta.ExecScript(ctx, string(script))
		}
	}
	if err != nil {
		return err
	}
	return c.meta.RestoreTables(ctx, dumps)
}

// restoreConfig only surfaces the archived configuration; live config is
// never mutated from a backup.
func (c *Coordinator) restoreConfig(ctx context.Context, provider Provider, backupID string) error {
	var snapshot map[string]any
	if err := c.readComponentJSON(ctx, provider, configDumpPath(backupID), &snapshot); err != nil {
		return err
	}
	c.logger.Info("archived configuration loaded for review",
		zap.String("backupId", backupID),
		zap.Int("keys", len(snapshot)))
	return nil
}
