package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system along with its role and permission grants
type User struct {
	ID               uuid.UUID
	Email            string
	PhoneNumber      string
	PasswordHash     string
	FirstName        string
	LastName         string
	Avatar           string
	EmailVerified    bool
	PhoneVerified    bool
	ResetToken       string
	ResetTokenExpiry *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Roles       []UserRole
	Permissions []int // directly granted permission ids
}

// UserRole is a role assigned to a user, with the permissions attached to that role
type UserRole struct {
	RoleID        int
	RoleName      string
	PermissionIDs []int
}

// HasRole reports whether the user holds the role with the given id
func (u *User) HasRole(roleID int) bool {
	for _, r := range u.Roles {
		if r.RoleID == roleID {
			return true
		}
	}
	return false
}

// PrimaryRoleName returns the name of the first assigned role, or "" if none
func (u *User) PrimaryRoleName() string {
	if len(u.Roles) == 0 {
		return ""
	}
	return u.Roles[0].RoleName
}

// FullName joins first and last name the way access claims expect it
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// WithoutSecrets returns a copy with the password hash and refresh pointer cleared
func (u User) WithoutSecrets() User {
	u.PasswordHash = ""
	u.ResetToken = ""
	u.ResetTokenExpiry = nil
	return u
}

// NewUser holds the fields needed to create a user
type NewUser struct {
	Email        string
	PhoneNumber  string
	PasswordHash string
	FirstName    string
	LastName     string
	Avatar       string
	RoleIDs      []int
}

// UserUpdate is a partial update; nil fields are left untouched
type UserUpdate struct {
	PasswordHash     *string
	ResetToken       *string
	ResetTokenExpiry *time.Time
	PhoneVerified    *bool
	EmailVerified    *bool
}

// OtpPurpose tags why an OTP was issued
type OtpPurpose string

const (
	OtpPurposePhoneVerify         OtpPurpose = "phone_verify"
	OtpPurposePhoneAuthentication OtpPurpose = "phone_authentication"
)

// Otp is the single active one-time passcode record of a user
type Otp struct {
	UserID    uuid.UUID
	OTPHash   []byte
	Purpose   OtpPurpose
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuthIdentity links a user to a social provider account
type OAuthIdentity struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ProviderName Provider
	ProviderID   string
	CreatedAt    time.Time
}
