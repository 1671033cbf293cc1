package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fwlab/fact/common/db"
	"github.com/fwlab/fact/common/models"
	"github.com/jackc/pgx/v5"
)

// PostgresStore persists file objects and analysis results in Postgres
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a new object store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// GetAnalysis retrieves one plugin result
func (r *PostgresStore) GetAnalysis(ctx context.Context, uid, plugin string) (*models.AnalysisResult, error) {
	query := `
		SELECT result
		FROM analysis
		WHERE uid = $1 AND plugin = $2
	`

	var raw []byte
	err := r.db.QueryRow(ctx, query, uid, plugin).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	result := &models.AnalysisResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return result, nil
}

// AddObject inserts or merges a file object and its results in one transaction
func (r *PostgresStore) AddObject(ctx context.Context, fo *models.FileObject) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertObject(ctx, tx, fo); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (r *PostgresStore) upsertObject(ctx context.Context, tx pgx.Tx, fo *models.FileObject) error {
	merged := fo.Clone()

	existing, err := r.scanObject(tx.QueryRow(ctx, selectObjectQuery+" FOR UPDATE", fo.UID))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		existing.Merge(merged)
		merged = existing
	}

	vfp, err := json.Marshal(merged.VirtualFilePath)
	if err != nil {
		return fmt.Errorf("failed to encode virtual file path: %w", err)
	}

	query := `
		INSERT INTO file_object (uid, file_name, size, depth, parents, parent_firmware_uids,
			virtual_file_path, files_included, depth_exceeded, unpack_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uid) DO UPDATE SET
			parents = EXCLUDED.parents,
			parent_firmware_uids = EXCLUDED.parent_firmware_uids,
			virtual_file_path = EXCLUDED.virtual_file_path,
			files_included = EXCLUDED.files_included,
			depth_exceeded = EXCLUDED.depth_exceeded,
			unpack_error = EXCLUDED.unpack_error
	`

	_, err = tx.Exec(
		ctx,
		query,
		merged.UID,
		merged.FileName,
		merged.Size,
		merged.Depth,
		nonNil(merged.ParentUIDs),
		nonNil(merged.ParentFirmwareUIDs),
		vfp,
		nonNil(merged.FilesIncluded),
		merged.UnpackDepthExceeded,
		merged.UnpackError,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file object: %w", err)
	}

	for plugin, result := range fo.ProcessedAnalysis {
		if err := r.upsertAnalysis(ctx, tx, fo.UID, plugin, result); err != nil {
			return err
		}
	}
	return nil
}

// AddFirmware stores the firmware object and replaces its metadata
func (r *PostgresStore) AddFirmware(ctx context.Context, fw *models.Firmware) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertObject(ctx, tx, &fw.FileObject); err != nil {
		return err
	}

	query := `
		INSERT INTO firmware (uid, device_name, device_class, device_part, vendor, version,
			release_date, tags, requested_analysis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uid) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			device_class = EXCLUDED.device_class,
			device_part = EXCLUDED.device_part,
			vendor = EXCLUDED.vendor,
			version = EXCLUDED.version,
			release_date = EXCLUDED.release_date,
			tags = EXCLUDED.tags,
			requested_analysis = EXCLUDED.requested_analysis
	`

	_, err = tx.Exec(
		ctx,
		query,
		fw.UID,
		fw.DeviceName,
		fw.DeviceClass,
		fw.DevicePart,
		fw.Vendor,
		fw.Version,
		fw.ReleaseDate,
		nonNil(fw.Tags),
		nonNil(fw.RequestedAnalysis),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert firmware: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit firmware: %w", err)
	}
	return nil
}

// UpdateAnalysis stores one plugin result
func (r *PostgresStore) UpdateAnalysis(ctx context.Context, uid, plugin string, result *models.AnalysisResult) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertAnalysis(ctx, tx, uid, plugin, result); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

func (r *PostgresStore) upsertAnalysis(ctx context.Context, tx pgx.Tx, uid, plugin string, result *models.AnalysisResult) error {
	raw, err := marshalResult(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	query := `
		INSERT INTO analysis (uid, plugin, plugin_version, status, result, analysis_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uid, plugin) DO UPDATE SET
			plugin_version = EXCLUDED.plugin_version,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			analysis_date = EXCLUDED.analysis_date
	`

	tag, err := tx.Exec(ctx, query, uid, plugin, result.PluginVersion, string(result.Status), raw, result.AnalysisDate)
	if err != nil {
		return fmt.Errorf("failed to update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update analysis %s of %s: %w", plugin, uid, ErrNotFound)
	}
	return nil
}

const selectObjectQuery = `
	SELECT uid, file_name, size, depth, parents, parent_firmware_uids,
		virtual_file_path, files_included, depth_exceeded, unpack_error
	FROM file_object
	WHERE uid = $1
`

func (r *PostgresStore) scanObject(row pgx.Row) (*models.FileObject, error) {
	fo := &models.FileObject{}
	var vfp []byte
	err := row.Scan(
		&fo.UID,
		&fo.FileName,
		&fo.Size,
		&fo.Depth,
		&fo.ParentUIDs,
		&fo.ParentFirmwareUIDs,
		&vfp,
		&fo.FilesIncluded,
		&fo.UnpackDepthExceeded,
		&fo.UnpackError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file object: %w", err)
	}
	if err := json.Unmarshal(vfp, &fo.VirtualFilePath); err != nil {
		return nil, fmt.Errorf("failed to decode virtual file path: %w", err)
	}
	fo.ProcessedAnalysis = make(map[string]*models.AnalysisResult)
	return fo, nil
}

// GetObject retrieves a file object with all of its results
func (r *PostgresStore) GetObject(ctx context.Context, uid string) (*models.FileObject, error) {
	fo, err := r.scanObject(r.db.QueryRow(ctx, selectObjectQuery, uid))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `SELECT plugin, result FROM analysis WHERE uid = $1`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var plugin string
		var raw []byte
		if err := rows.Scan(&plugin, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		result := &models.AnalysisResult{}
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, fmt.Errorf("failed to decode analysis %s: %w", plugin, err)
		}
		fo.ProcessedAnalysis[plugin] = result
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}

	return fo, nil
}

// GetFirmware retrieves a firmware with metadata and results
func (r *PostgresStore) GetFirmware(ctx context.Context, uid string) (*models.Firmware, error) {
	query := `
		SELECT device_name, device_class, device_part, vendor, version, release_date, tags, requested_analysis
		FROM firmware
		WHERE uid = $1
	`

	fw := &models.Firmware{}
	err := r.db.QueryRow(ctx, query, uid).Scan(
		&fw.DeviceName,
		&fw.DeviceClass,
		&fw.DevicePart,
		&fw.Vendor,
		&fw.Version,
		&fw.ReleaseDate,
		&fw.Tags,
		&fw.RequestedAnalysis,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: firmware %s", ErrNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firmware: %w", err)
	}

	fo, err := r.GetObject(ctx, uid)
	if err != nil {
		return nil, err
	}
	fw.FileObject = *fo
	return fw, nil
}

// IsFirmware reports whether uid was submitted as firmware
func (r *PostgresStore) IsFirmware(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM firmware WHERE uid = $1)`, uid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check firmware: %w", err)
	}
	return exists, nil
}

// Exists reports whether any object is stored for uid
func (r *PostgresStore) Exists(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM file_object WHERE uid = $1)`, uid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check object: %w", err)
	}
	return exists, nil
}

// DeleteObject removes an object; firmware metadata and results cascade
func (r *PostgresStore) DeleteObject(ctx context.Context, uid string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM file_object WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// IncludedUIDs lists all files of a firmware
func (r *PostgresStore) IncludedUIDs(ctx context.Context, uid string) ([]string, error) {
	query := `
		SELECT uid
		FROM file_object
		WHERE $1 = ANY(parent_firmware_uids)
		ORDER BY uid
	`

	rows, err := r.db.Query(ctx, query, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list included files: %w", err)
	}
	return collectStrings(rows)
}

// MissingAnalyses finds included files lacking a plugin their firmware has
func (r *PostgresStore) MissingAnalyses(ctx context.Context) (map[string][]string, error) {
	query := `
		SELECT DISTINCT fw.uid, fo.uid
		FROM firmware fw
		JOIN analysis fa ON fa.uid = fw.uid
		JOIN file_object fo ON fw.uid = ANY(fo.parent_firmware_uids)
		LEFT JOIN analysis a ON a.uid = fo.uid AND a.plugin = fa.plugin
		WHERE a.uid IS NULL
		ORDER BY fw.uid, fo.uid
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing analyses: %w", err)
	}
	defer rows.Close()

	missing := make(map[string][]string)
	for rows.Next() {
		var fwUID, uid string
		if err := rows.Scan(&fwUID, &uid); err != nil {
			return nil, fmt.Errorf("failed to scan missing analysis: %w", err)
		}
		missing[fwUID] = append(missing[fwUID], uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missing analyses: %w", err)
	}
	return missing, nil
}

// FailedAnalyses finds failed and timed-out results per plugin
func (r *PostgresStore) FailedAnalyses(ctx context.Context) (map[string][]string, error) {
	query := `
		SELECT uid, plugin, result
		FROM analysis
		WHERE status <> 'completed' OR result ? 'failed' OR result->'result' ? 'failed'
		ORDER BY uid
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed analyses: %w", err)
	}
	defer rows.Close()

	failed := make(map[string][]string)
	for rows.Next() {
		var uid, plugin string
		var raw []byte
		if err := rows.Scan(&uid, &plugin, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan failed analysis: %w", err)
		}
		if isFailedResult(raw) {
			failed[plugin] = append(failed[plugin], uid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed analyses: %w", err)
	}
	return failed, nil
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
