package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/model"
)

// OtpRepo defines the interface for the single-slot OTP record of a user
type OtpRepo interface {
	Upsert(ctx context.Context, userID uuid.UUID, otpHashHex string, purpose model.OtpPurpose, expiresAt time.Time) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (model.Otp, error)
	Delete(ctx context.Context, userID uuid.UUID) error
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Upsert keeps at most one record per user: a new code overwrites the previous one.
// Concurrent requests for the same user race on the primary key; the last writer wins.
func (r *otpRepo) Upsert(ctx context.Context, userID uuid.UUID, otpHashHex string, purpose model.OtpPurpose, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_otps (user_id, otp_hash, purpose, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET otp_hash = EXCLUDED.otp_hash,
		    purpose = EXCLUDED.purpose,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()
	`, userID, otpHashHex, string(purpose), expiresAt)
	if err != nil {
		return classify("upsert otp", err)
	}
	return nil
}

// FindByUserID returns the user's OTP record or ErrNotFound.
func (r *otpRepo) FindByUserID(ctx context.Context, userID uuid.UUID) (model.Otp, error) {
	var (
		otp        model.Otp
		otpHashHex string
		purpose    string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, otp_hash, purpose, expires_at, created_at, updated_at
		FROM user_otps
		WHERE user_id = $1
	`, userID).Scan(
		&otp.UserID,
		&otpHashHex,
		&purpose,
		&otp.ExpiresAt,
		&otp.CreatedAt,
		&otp.UpdatedAt,
	)
	if err != nil {
		return model.Otp{}, classify("find otp", err)
	}

	otp.OTPHash, err = hex.DecodeString(otpHashHex)
	if err != nil {
		return model.Otp{}, fmt.Errorf("decode otp_hash: %w", err)
	}
	otp.Purpose = model.OtpPurpose(purpose)
	return otp, nil
}

// Delete removes the user's OTP record. Returns ErrNotFound if there was none.
func (r *otpRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_otps WHERE user_id = $1`, userID)
	if err != nil {
		return classify("delete otp", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete otp: %w", ErrNotFound)
	}
	return nil
}
