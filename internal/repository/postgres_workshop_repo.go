package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// PostgresWorkshopRepo はPostgreSQLを使用したワークショップセッションリポジトリ。
// workshop_dataはjsonb列に保存する。
type PostgresWorkshopRepo struct {
	db *sql.DB
}

// NewPostgresWorkshopRepo はPostgresWorkshopRepoを生成する。
func NewPostgresWorkshopRepo(db *sql.DB) *PostgresWorkshopRepo {
	return &PostgresWorkshopRepo{db: db}
}

// CreateSession はセッションを作成する。
func (r *PostgresWorkshopRepo) CreateSession(ctx context.Context, session *model.WorkshopSession) error {
	data, err := encodeWorkshopData(session.WorkshopData)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workshop_sessions (session_id, user_id, name, current_step, workshop_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.SessionID, session.UserID, session.Name, session.CurrentStep, data,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ワークショップセッションの作成に失敗しました: %w", err)
	}
	return nil
}

// GetSession は指定IDのセッションを所有者スコープで取得する。
func (r *PostgresWorkshopRepo) GetSession(ctx context.Context, userID, sessionID string) (*model.WorkshopSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, name, current_step, workshop_data, created_at, updated_at
		 FROM workshop_sessions
		 WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	)

	session, err := scanWorkshopSession(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ワークショップセッションの取得に失敗しました: %w", err)
	}
	return session, nil
}

// UpdateSession はnilでないフィールドのみを更新する。
// 楽観ロックは行わず、最後の書き込みが勝つ。
func (r *PostgresWorkshopRepo) UpdateSession(ctx context.Context, userID, sessionID string, update model.SessionUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{sessionID, userID}

	if update.Name != nil {
		args = append(args, *update.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if update.CurrentStep != nil {
		args = append(args, *update.CurrentStep)
		sets = append(sets, fmt.Sprintf("current_step = $%d", len(args)))
	}
	if update.WorkshopData != nil {
		data, err := encodeWorkshopData(*update.WorkshopData)
		if err != nil {
			return err
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("workshop_data = $%d", len(args)))
	}

	query := `UPDATE workshop_sessions SET ` + strings.Join(sets, ", ") +
		` WHERE session_id = $1 AND user_id = $2`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ワークショップセッションの更新に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// DeleteSession は指定IDのセッションを所有者スコープで削除する。
func (r *PostgresWorkshopRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM workshop_sessions WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("ワークショップセッションの削除に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// ListSessions はユーザーのセッション一覧をcreated_at降順で返す。
func (r *PostgresWorkshopRepo) ListSessions(ctx context.Context, userID string) ([]*model.WorkshopSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, user_id, name, current_step, workshop_data, created_at, updated_at
		 FROM workshop_sessions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ワークショップセッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	sessions := []*model.WorkshopSession{}
	for rows.Next() {
		session, err := scanWorkshopSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ワークショップセッションの読み取りに失敗しました: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ワークショップセッション一覧の走査に失敗しました: %w", err)
	}

	return sessions, nil
}

// ListAllSessionRefs は全ユーザーのセッション参照を返す。
// workshop_dataは読み込まない。
func (r *PostgresWorkshopRepo) ListAllSessionRefs(ctx context.Context) ([]model.SessionRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, user_id, name, created_at
		 FROM workshop_sessions
		 ORDER BY user_id, created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("セッション参照の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var refs []model.SessionRef
	for rows.Next() {
		var ref model.SessionRef
		if err := rows.Scan(&ref.SessionID, &ref.UserID, &ref.Name, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("セッション参照の読み取りに失敗しました: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション参照の走査に失敗しました: %w", err)
	}

	return refs, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkshopSession(s rowScanner) (*model.WorkshopSession, error) {
	session := &model.WorkshopSession{}
	var raw []byte

	if err := s.Scan(
		&session.SessionID, &session.UserID, &session.Name, &session.CurrentStep,
		&raw, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return nil, err
	}

	data, err := decodeWorkshopData(raw)
	if err != nil {
		return nil, err
	}
	session.WorkshopData = data
	return session, nil
}

// encodeWorkshopData はWorkshopDataをjsonb用のJSONに変換する。
func encodeWorkshopData(d model.WorkshopData) ([]byte, error) {
	d.Normalize()
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("workshop_dataのエンコードに失敗しました: %w", err)
	}
	return b, nil
}

// decodeWorkshopData はjsonbの内容をWorkshopDataに変換する。
// NULLや欠落したキーは空値になる。
func decodeWorkshopData(raw []byte) (model.WorkshopData, error) {
	var d model.WorkshopData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return d, fmt.Errorf("workshop_dataのデコードに失敗しました: %w", err)
		}
	}
	d.Normalize()
	return d, nil
}

// requireAffected は更新・削除の対象行がなかった場合にErrSessionNotFoundを返す。
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// compile-time interface check
var _ WorkshopSessionRepository = (*PostgresWorkshopRepo)(nil)
var _ SessionRefLister = (*PostgresWorkshopRepo)(nil)
