package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tox/tcpplus/internal/db"
	"github.com/Tox/tcpplus/internal/models"
	"github.com/google/uuid"
)

var ErrNotFound = fmt.Errorf("not found: %w", sql.ErrNoRows)

type ConnectionsRepo struct {
	db *sql.DB
	q  *db.Queries
}

func New(sqldb *sql.DB) *ConnectionsRepo {
	return &ConnectionsRepo{
		db: sqldb,
		q:  db.New(sqldb),
	}
}

func (r *ConnectionsRepo) TrackOpen(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	createdAt := conn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	dbConn, err := r.q.InsertConnection(ctx, &db.InsertConnectionParams{
		ConnID:     conn.ConnID,
		CreatedAt:  db.Time(createdAt),
		LocalAddr:  conn.LocalAddr,
		RemoteAddr: conn.RemoteAddr,
		Direction:  conn.Direction,
	})
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}

	return convertConnection(dbConn), nil
}

func (r *ConnectionsRepo) TrackClose(ctx context.Context, connID uuid.UUID, closedAt time.Time, packetsIn, packetsOut uint64) (*models.Connection, error) {
	dbConn, err := r.q.CloseConnection(ctx, &db.CloseConnectionParams{
		ClosedAt:   db.NewNullTime(closedAt),
		PacketsIn:  int64(packetsIn),
		PacketsOut: int64(packetsOut),
		ConnID:     connID,
	})
	if err != nil {
		return nil, convertErr(err)
	}

	return convertConnection(dbConn), nil
}

// CloseDangling marks every connection that is still open in the journal as
// closed at the given time. Used at startup to clean up after a crash.
func (r *ConnectionsRepo) CloseDangling(ctx context.Context, closedAt time.Time) (int64, error) {
	return r.q.CloseDanglingConnections(ctx, db.NewNullTime(closedAt))
}

func (r *ConnectionsRepo) Get(ctx context.Context, connID uuid.UUID) (*models.Connection, error) {
	dbConn, err := r.q.GetConnection(ctx, connID)
	if err != nil {
		return nil, convertErr(err)
	}

	return convertConnection(dbConn), nil
}

func (r *ConnectionsRepo) List(ctx context.Context, limit int) ([]*models.Connection, error) {
	dbConns, err := r.q.ListConnections(ctx, int64(limit))
	if err != nil {
		return nil, err
	}

	return convertConnections(dbConns), nil
}

func (r *ConnectionsRepo) ListOpen(ctx context.Context) ([]*models.Connection, error) {
	dbConns, err := r.q.ListOpenConnections(ctx)
	if err != nil {
		return nil, err
	}

	return convertConnections(dbConns), nil
}

func convertConnections(dbConns []*db.Connection) []*models.Connection {
	res := make([]*models.Connection, 0, len(dbConns))
	for _, dbConn := range dbConns {
		res = append(res, convertConnection(dbConn))
	}
	return res
}

func convertConnection(dbConn *db.Connection) *models.Connection {
	return &models.Connection{
		ID:         dbConn.ID,
		ConnID:     dbConn.ConnID,
		CreatedAt:  time.Time(dbConn.CreatedAt),
		ClosedAt:   convertNullTime(dbConn.ClosedAt),
		LocalAddr:  dbConn.LocalAddr,
		RemoteAddr: dbConn.RemoteAddr,
		Direction:  dbConn.Direction,
		PacketsIn:  dbConn.PacketsIn,
		PacketsOut: dbConn.PacketsOut,
	}
}

func convertNullTime(t db.NullTime) *time.Time {
	if t.Valid {
		res := time.Time(t.Time)
		return &res
	}
	return nil
}

func convertErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
