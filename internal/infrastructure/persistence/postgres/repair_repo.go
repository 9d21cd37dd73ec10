package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
)

// RepairRepository writes consistency repairs back to the module graph.
type RepairRepository struct {
	conn *Connection
	sb   sq.StatementBuilderType
}

// NewRepairRepository creates a new RepairRepository.
func NewRepairRepository(conn *Connection) *RepairRepository {
	return &RepairRepository{
		conn: conn,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// ApplyRepairs moves each module to the UE of its subject, in one transaction.
// A repair only applies while the module is still in FromUEID, so replaying a
// plan is a no-op. Returns the number of modules actually moved.
func (r *RepairRepository) ApplyRepairs(ctx context.Context, plan []gradebook.Repair) (int, error) {
	if len(plan) == 0 {
		return 0, nil
	}

	var moved int
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		for _, rep := range plan {
			query, args, err := r.sb.
				Update("modules").
				Set("ue_id", rep.ToUEID).
				Where(sq.Expr("id = (SELECT module_id FROM module_impls WHERE id = ?)", rep.ModuleID)).
				Where(sq.Eq{"ue_id": rep.FromUEID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build repair query: %w", err)
			}

			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to move module %s to ue %s: %w", rep.ModuleID, rep.ToUEID, err)
			}
			moved += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
