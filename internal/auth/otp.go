package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/sirupsen/logrus"
)

const (
	otpExpiry = 10 * time.Minute
	otpMin    = 100000
	otpMax    = 999999
	// devOTPCode is issued instead of a random code when DEV_MODE is on.
	devOTPCode = "123456"
)

// OtpSender delivers a one-time code to a phone number.
type OtpSender interface {
	SendOtp(ctx context.Context, phone, code string, purpose model.OtpPurpose) error
}

// LogOtpSender implements OtpSender by logging the delivery. The code itself is never logged.
type LogOtpSender struct {
	logger logrus.FieldLogger
}

// NewLogOtpSender creates a new logging OTP sender
func NewLogOtpSender(logger logrus.FieldLogger) *LogOtpSender {
	return &LogOtpSender{logger: logger}
}

func (s *LogOtpSender) SendOtp(_ context.Context, phone, _ string, purpose model.OtpPurpose) error {
	s.logger.WithFields(logrus.Fields{
		"phone":   obs.MaskPhone(phone),
		"purpose": string(purpose),
	}).Info("otp issued")
	return nil
}

// generateOTPCode returns a uniformly random 6-digit code in [100000, 999999].
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

// hashOTPHex returns SHA-256(userID:code:salt) as hex for DB storage
func hashOTPHex(userID, code, salt string) string {
	b := hashOTPBytes(userID, code, salt)
	return hex.EncodeToString(b)
}

func hashOTPBytes(userID, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", userID, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
