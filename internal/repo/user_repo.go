package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, u model.NewUser) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	FindByPhone(ctx context.Context, phone string) (model.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (model.User, error)
	UpdateByID(ctx context.Context, id uuid.UUID, upd model.UserUpdate) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, email, phone_number, password, first_name, last_name, avatar,
	email_verified, phone_verified, reset_token, reset_token_expiry, created_at, updated_at`

// Create inserts the user and its initial role assignments in one transaction,
// then returns the stored record with grants loaded.
func (r *userRepo) Create(ctx context.Context, u model.NewUser) (model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (email, phone_number, password, first_name, last_name, avatar)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
		RETURNING id
	`, u.Email, u.PhoneNumber, u.PasswordHash, u.FirstName, u.LastName, u.Avatar).Scan(&id)
	if err != nil {
		return model.User{}, classify("insert user", err)
	}

	for _, roleID := range u.RoleIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		`, id, roleID); err != nil {
			return model.User{}, classify("assign role", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.User{}, fmt.Errorf("commit: %w", err)
	}

	return r.FindByID(ctx, id)
}

// FindByEmail retrieves a user by email
func (r *userRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	return r.findOne(ctx, "email", email)
}

// FindByPhone retrieves a user by phone number
func (r *userRepo) FindByPhone(ctx context.Context, phone string) (model.User, error) {
	return r.findOne(ctx, "phone_number", phone)
}

// FindByID retrieves a user by ID
func (r *userRepo) FindByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	return r.findOne(ctx, "id", id)
}

func (r *userRepo) findOne(ctx context.Context, column string, value any) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return model.User{}, classify("find user by "+column, err)
	}
	if err := loadGrants(ctx, r.db, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// UpdateByID applies the non-nil fields of upd. Returns ErrNotFound if no row matched.
func (r *userRepo) UpdateByID(ctx context.Context, id uuid.UUID, upd model.UserUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.PasswordHash != nil {
		add("password", *upd.PasswordHash)
	}
	if upd.ResetToken != nil {
		add("reset_token", *upd.ResetToken)
	}
	if upd.ResetTokenExpiry != nil {
		add("reset_token_expiry", *upd.ResetTokenExpiry)
	}
	if upd.PhoneVerified != nil {
		add("phone_verified", *upd.PhoneVerified)
	}
	if upd.EmailVerified != nil {
		add("email_verified", *upd.EmailVerified)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update user", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update user: %w", ErrNotFound)
	}
	return nil
}

func scanUser(row *sql.Row) (model.User, error) {
	var (
		u                                  model.User
		email, phone, password, resetToken sql.NullString
		resetExpiry                        sql.NullTime
	)
	err := row.Scan(
		&u.ID,
		&email,
		&phone,
		&password,
		&u.FirstName,
		&u.LastName,
		&u.Avatar,
		&u.EmailVerified,
		&u.PhoneVerified,
		&resetToken,
		&resetExpiry,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	u.Email = email.String
	u.PhoneNumber = phone.String
	u.PasswordHash = password.String
	u.ResetToken = resetToken.String
	if resetExpiry.Valid {
		t := resetExpiry.Time
		u.ResetTokenExpiry = &t
	}
	return u, nil
}

// loadGrants fills the user's role assignments (with role permissions) and direct permissions.
func loadGrants(ctx context.Context, q querier, u *model.User) error {
	rows, err := q.QueryContext(ctx, `
		SELECT r.id, r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY ur.created_at, r.id
	`, u.ID)
	if err != nil {
		return fmt.Errorf("query user roles: %w", err)
	}
	roleIndex := make(map[int]int)
	for rows.Next() {
		var role model.UserRole
		if err := rows.Scan(&role.RoleID, &role.RoleName); err != nil {
			rows.Close()
			return fmt.Errorf("scan user role: %w", err)
		}
		roleIndex[role.RoleID] = len(u.Roles)
		u.Roles = append(u.Roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate user roles: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT rp.role_id, rp.permission_id
		FROM role_permissions rp
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
		ORDER BY rp.role_id, rp.permission_id
	`, u.ID)
	if err != nil {
		return fmt.Errorf("query role permissions: %w", err)
	}
	for rows.Next() {
		var roleID, permID int
		if err := rows.Scan(&roleID, &permID); err != nil {
			rows.Close()
			return fmt.Errorf("scan role permission: %w", err)
		}
		if i, ok := roleIndex[roleID]; ok {
			u.Roles[i].PermissionIDs = append(u.Roles[i].PermissionIDs, permID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate role permissions: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT permission_id FROM user_permissions WHERE user_id = $1 ORDER BY permission_id
	`, u.ID)
	if err != nil {
		return fmt.Errorf("query user permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var permID int
		if err := rows.Scan(&permID); err != nil {
			return fmt.Errorf("scan user permission: %w", err)
		}
		u.Permissions = append(u.Permissions, permID)
	}
	return rows.Err()
}
