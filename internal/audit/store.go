// Package audit persists accounts, invocation records, tool-call trails and
// positions in SQLite. Closed invocations are never modified again.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/types"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ interfaces.AuditStore = (*Store)(nil)

// Open creates the database file (and its directory) if needed and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &invocationRow{}, &toolCallRow{}, &positionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertAccount inserts or refreshes the configured fields of an account,
// leaving invocation_count and last_executed untouched.
func (s *Store) UpsertAccount(ctx context.Context, a types.Account) error {
	row := accountRow{
		ID:                 a.ID,
		Name:               a.Name,
		Model:              a.Model,
		CapitalAllocation:  a.CapitalAllocation,
		RiskPerTradePct:    a.RiskPerTradePct,
		MaxPositions:       a.MaxPositions,
		Symbols:            toJSON(a.Symbols),
		Active:             a.Active,
		BrokerAPIKeyEnv:    a.BrokerAPIKeyEnv,
		BrokerAccessKeyEnv: a.BrokerAccessKeyEnv,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "model", "capital_allocation", "risk_per_trade_pct", "max_positions",
			"symbols", "active", "broker_api_key_env", "broker_access_key_env", "updated_at",
		}),
	}).Create(&row).Error
}

func (s *Store) GetAccount(ctx context.Context, id string) (types.Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Account{}, err
	}
	return accountFromRow(row), nil
}

func (s *Store) ActiveAccounts(ctx context.Context) ([]types.Account, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, accountFromRow(r))
	}
	return out, nil
}

// OpenInvocation persists inv as IN_PROGRESS. An account may hold at most one open invocation.
func (s *Store) OpenInvocation(ctx context.Context, inv *types.Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	inv.Status = types.InvocationInProgress
	inv.CreatedAt = s.now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&invocationRow{}).
			Where("account_id = ? AND status = ?", inv.AccountID, string(types.InvocationInProgress)).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return &types.AccountStateError{AccountID: inv.AccountID, Reason: "an invocation is already in progress"}
		}
		return tx.Create(&invocationRow{
			ID:               inv.ID,
			AccountID:        inv.AccountID,
			Model:            inv.Model,
			Prompt:           inv.Prompt,
			Status:           string(inv.Status),
			MarketContext:    toJSON(inv.MarketContext),
			PortfolioContext: toJSON(inv.PortfolioContext),
			CreatedAt:        inv.CreatedAt,
		}).Error
	})
}

// AppendToolCall adds one record to an open invocation's trail.
func (s *Store) AppendToolCall(ctx context.Context, rec *types.ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv invocationRow
		if err := tx.Select("status").First(&inv, "id = ?", rec.InvocationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("invocation %s: %w", rec.InvocationID, ErrNotFound)
			}
			return err
		}
		if inv.Status != string(types.InvocationInProgress) {
			return fmt.Errorf("invocation %s is %s; tool calls are append-only while in progress", rec.InvocationID, inv.Status)
		}
		return tx.Create(&toolCallRow{
			ID:           rec.ID,
			InvocationID: rec.InvocationID,
			Seq:          rec.Seq,
			Name:         rec.Name,
			Arguments:    rec.Arguments,
			Result:       rec.Result,
			Status:       string(rec.Status),
			LatencyMs:    rec.Latency.Milliseconds(),
			CreatedAt:    rec.CreatedAt,
		}).Error
	})
}

// CloseInvocation moves an IN_PROGRESS invocation to its final status. With
// bumpAccount set, invocation_count and last_executed are updated in the same
// transaction; either both changes land or neither does.
func (s *Store) CloseInvocation(ctx context.Context, inv *types.Invocation, bumpAccount bool) error {
	closed := s.now()
	if inv.Status == "" || inv.Status == types.InvocationInProgress {
		inv.Status = types.InvocationCompleted
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&invocationRow{}).
			Where("id = ? AND status = ?", inv.ID, string(types.InvocationInProgress)).
			Updates(map[string]any{
				"response":             inv.Response,
				"tokens":               inv.Tokens,
				"latency_ms":           inv.Latency.Milliseconds(),
				"status":               string(inv.Status),
				"error":                inv.Error,
				"iterations_exhausted": inv.IterationsExhausted,
				"closed_at":            closed,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("invocation %s is not in progress", inv.ID)
		}

		if bumpAccount {
			res = tx.Model(&accountRow{}).
				Where("id = ?", inv.AccountID).
				Updates(map[string]any{
					"invocation_count": gorm.Expr("invocation_count + 1"),
					"last_executed":    closed,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("account %s: %w", inv.AccountID, ErrNotFound)
			}
		}
		inv.ClosedAt = &closed
		return nil
	})
}

// GetInvocation loads an invocation with its tool calls in sequence order.
func (s *Store) GetInvocation(ctx context.Context, id string) (types.Invocation, error) {
	var row invocationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Invocation{}, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Invocation{}, err
	}
	inv := invocationFromRow(row)
	inv.ToolCalls, err = s.ToolCalls(ctx, id)
	return inv, err
}

func (s *Store) ToolCalls(ctx context.Context, invocationID string) ([]types.ToolCallRecord, error) {
	var rows []toolCallRow
	if err := s.db.WithContext(ctx).Where("invocation_id = ?", invocationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.ToolCallRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toolCallFromRow(r))
	}
	return out, nil
}

// AbandonStale closes every invocation left IN_PROGRESS by a previous process.
func (s *Store) AbandonStale(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&invocationRow{}).
		Where("status = ?", string(types.InvocationInProgress)).
		Updates(map[string]any{
			"status":    string(types.InvocationAbandoned),
			"error":     "process stopped before the invocation closed",
			"closed_at": s.now(),
		})
	return res.RowsAffected, res.Error
}

func (s *Store) OpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, string(types.PositionOpen)).
		Order("opened_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, positionFromRow(r))
	}
	return out, nil
}

func (s *Store) CreatePosition(ctx context.Context, p *types.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = types.PositionOpen
	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(&positionRow{
		ID:           p.ID,
		AccountID:    p.AccountID,
		InvocationID: p.InvocationID,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		Qty:          p.Qty,
		EntryPrice:   p.EntryPrice,
		StopPrice:    p.StopPrice,
		TargetPrice:  p.TargetPrice,
		Strategy:     p.Strategy,
		OrderID:      p.OrderID,
		Status:       string(p.Status),
		OpenedAt:     p.OpenedAt,
	}).Error
}

// ClosePosition marks an open position closed at exitPrice and books its realized P&L.
func (s *Store) ClosePosition(ctx context.Context, id string, exitPrice float64, at time.Time) (types.Position, error) {
	var out types.Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row positionRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("position %s: %w", id, ErrNotFound)
			}
			return err
		}
		if row.Status != string(types.PositionOpen) {
			return fmt.Errorf("position %s already closed", id)
		}

		dir := 1.0
		if row.Side == string(types.Sell) {
			dir = -1
		}
		at = at.UTC()
		row.Status = string(types.PositionClosed)
		row.ExitPrice = exitPrice
		row.RealizedPnL = (exitPrice - row.EntryPrice) * float64(row.Qty) * dir
		row.ClosedAt = &at
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = positionFromRow(row)
		return nil
	})
	return out, err
}

// RealizedPnLSince sums realized P&L of positions closed at or after since.
func (s *Store) RealizedPnLSince(ctx context.Context, accountID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&positionRow{}).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Where("account_id = ? AND status = ? AND closed_at >= ?", accountID, string(types.PositionClosed), since.UTC()).
		Scan(&total).Error
	return total, err
}
