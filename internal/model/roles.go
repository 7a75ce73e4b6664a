package model

import "strings"

// Role ids as seeded by the migrations.
const (
	RoleSuperAdmin = 1
	RoleManager    = 2
	RoleUser       = 3
)

// RoleNames maps role ids to display names.
var RoleNames = map[int]string{
	RoleSuperAdmin: "Super Admin",
	RoleManager:    "Manager",
	RoleUser:       "User",
}

// IsKnownRole reports whether id is a seeded role.
func IsKnownRole(id int) bool {
	_, ok := RoleNames[id]
	return ok
}

// Permission ids as seeded by the migrations.
const (
	PermViewDashboard        = 1
	PermUpdateDashboard      = 2
	PermViewProfile          = 3
	PermUpdateProfile        = 4
	PermAddUserManagement    = 5
	PermUpdateUserManagement = 6
	PermDeleteUserManagement = 7
	PermViewUserManagement   = 8
)

// PermissionNames is the static id -> name table embedded into access tokens.
var PermissionNames = map[int]string{
	PermViewDashboard:        "VIEW_DASHBOARD",
	PermUpdateDashboard:      "UPDATE_DASHBOARD",
	PermViewProfile:          "VIEW_PROFILE",
	PermUpdateProfile:        "UPDATE_PROFILE",
	PermAddUserManagement:    "ADD_USER_MANAGEMENT",
	PermUpdateUserManagement: "UPDATE_USER_MANAGEMENT",
	PermDeleteUserManagement: "DELETE_USER_MANAGEMENT",
	PermViewUserManagement:   "VIEW_USER_MANAGEMENT",
}

// AllPermissions is the sentinel substituted for a permission list that covers
// every permission in the system.
const AllPermissions = "all"

// Provider names a social identity provider; values match the oauth_identities enum.
type Provider string

const (
	ProviderGoogle   Provider = "Google"
	ProviderFacebook Provider = "Facebook"
	ProviderLinkedIn Provider = "LinkedIn"
)

// ParseProvider resolves a provider name case-insensitively.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google":
		return ProviderGoogle, true
	case "facebook":
		return ProviderFacebook, true
	case "linkedin":
		return ProviderLinkedIn, true
	}
	return "", false
}
