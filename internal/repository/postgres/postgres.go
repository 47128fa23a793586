package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudpad/gameserv/internal/domain"
	"github.com/cloudpad/gameserv/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UsageEventRepository = (*Repository)(nil)
	_ repository.InstanceRepository   = (*Repository)(nil)
)

// InsertUsageEvent appends one command invocation to the ledger.
func (r *Repository) InsertUsageEvent(ctx context.Context, event *domain.UsageEvent) error {
	const query = `INSERT INTO usage_events (id, user_id, command_name, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.UserID, event.CommandName, event.CreatedAt)
	return mapError(err)
}

// CountUsageEventsSince counts events for a user at or after the given time.
func (r *Repository) CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM usage_events WHERE user_id = $1 AND created_at >= $2`
	row := r.pool.QueryRow(ctx, query, userID, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// LastUsageEventTime returns the most recent event time for a user+command
// pair, or nil when the pair has never been recorded.
func (r *Repository) LastUsageEventTime(ctx context.Context, userID, commandName string) (*time.Time, error) {
	const query = `SELECT created_at FROM usage_events
		WHERE user_id = $1 AND command_name = $2
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, userID, commandName)
	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// InsertInstance creates an inventory record.
func (r *Repository) InsertInstance(ctx context.Context, instance *domain.ManagedInstance) error {
	ports, err := json.Marshal(instance.Ports)
	if err != nil {
		return fmt.Errorf("encode ports: %w", err)
	}
	const query = `INSERT INTO managed_instances
		(id, owner_user_id, cloud_instance_name, cloud_instance_id, zone, template_name,
		 status, ip_address, ports, created_at, last_status_update, auto_shutdown_hours, extra_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.pool.Exec(ctx, query,
		instance.ID, instance.OwnerUserID, instance.CloudInstanceName, instance.CloudInstanceID,
		instance.Zone, instance.TemplateName, instance.Status, nilIfEmpty(instance.IPAddress),
		ports, instance.CreatedAt, instance.LastStatusUpdate, instance.AutoShutdownHours,
		rawOrNil(instance.ExtraConfig))
	return mapError(err)
}

const instanceColumns = `id, owner_user_id, cloud_instance_name, cloud_instance_id, zone, template_name,
	status, ip_address, ports, created_at, last_status_update, auto_shutdown_hours, extra_config`

// GetInstanceByName fetches one inventory record by cloud instance name.
func (r *Repository) GetInstanceByName(ctx context.Context, cloudInstanceName string) (*domain.ManagedInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM managed_instances WHERE cloud_instance_name = $1`
	row := r.pool.QueryRow(ctx, query, cloudInstanceName)
	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return instance, nil
}

// UpdateInstanceStatus applies a partial status mutation. Only supplied
// fields change; last_status_update is always refreshed. Returns false when
// the named instance does not exist.
func (r *Repository) UpdateInstanceStatus(ctx context.Context, update domain.StatusUpdate) (bool, error) {
	sets := []string{"status = $1", "last_status_update = $2"}
	args := []any{update.Status, time.Now().UTC()}

	if update.IPAddress != nil {
		args = append(args, nilIfEmpty(update.IPAddress))
		sets = append(sets, fmt.Sprintf("ip_address = $%d", len(args)))
	}
	if update.CloudInstanceID != nil {
		args = append(args, update.CloudInstanceID)
		sets = append(sets, fmt.Sprintf("cloud_instance_id = $%d", len(args)))
	}
	if update.Ports != nil {
		ports, err := json.Marshal(update.Ports)
		if err != nil {
			return false, fmt.Errorf("encode ports: %w", err)
		}
		args = append(args, ports)
		sets = append(sets, fmt.Sprintf("ports = $%d", len(args)))
	}

	args = append(args, update.CloudInstanceName)
	query := fmt.Sprintf("UPDATE managed_instances SET %s WHERE cloud_instance_name = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInstancesByOwner returns a user's instances, optionally restricted to
// a status set.
func (r *Repository) ListInstancesByOwner(ctx context.Context, ownerUserID string, statuses []string) ([]domain.ManagedInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM managed_instances WHERE owner_user_id = $1`
	args := []any{ownerUserID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC`
	return r.queryInstances(ctx, query, args...)
}

// ListInstances returns every inventory record.
func (r *Repository) ListInstances(ctx context.Context) ([]domain.ManagedInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM managed_instances ORDER BY created_at DESC`
	return r.queryInstances(ctx, query)
}

// ListAutoShutdownCandidates returns instances in the given statuses with an
// auto-shutdown policy configured.
func (r *Repository) ListAutoShutdownCandidates(ctx context.Context, statuses []string) ([]domain.ManagedInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM managed_instances
		WHERE status = ANY($1) AND auto_shutdown_hours IS NOT NULL
		ORDER BY last_status_update ASC`
	return r.queryInstances(ctx, query, statuses)
}

// DeleteInstance hard-removes an inventory record. Returns false when absent.
func (r *Repository) DeleteInstance(ctx context.Context, cloudInstanceName string) (bool, error) {
	const query = `DELETE FROM managed_instances WHERE cloud_instance_name = $1`
	tag, err := r.pool.Exec(ctx, query, cloudInstanceName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) queryInstances(ctx context.Context, query string, args ...any) ([]domain.ManagedInstance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]domain.ManagedInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *instance)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*domain.ManagedInstance, error) {
	var (
		instance domain.ManagedInstance
		ip       *string
		ports    []byte
		extra    []byte
	)
	if err := row.Scan(&instance.ID, &instance.OwnerUserID, &instance.CloudInstanceName,
		&instance.CloudInstanceID, &instance.Zone, &instance.TemplateName, &instance.Status,
		&ip, &ports, &instance.CreatedAt, &instance.LastStatusUpdate,
		&instance.AutoShutdownHours, &extra); err != nil {
		return nil, err
	}
	instance.IPAddress = ip
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &instance.Ports); err != nil {
			return nil, fmt.Errorf("decode ports: %w", err)
		}
	}
	if len(extra) > 0 {
		instance.ExtraConfig = json.RawMessage(extra)
	}
	return &instance, nil
}

// mapError converts constraint violations into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

func nilIfEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
