package model

import "fmt"

// OperatorRole is the RBAC role carried in an operator token.
type OperatorRole string

const (
	RoleAdmin    OperatorRole = "admin"
	RoleReviewer OperatorRole = "reviewer"
	RoleReader   OperatorRole = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r OperatorRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole OperatorRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Operator is a configured API principal.
type Operator struct {
	Principal  string       `json:"principal"`
	Role       OperatorRole `json:"role"`
	APIKeyHash string       `json:"-"`
}

// ValidatePrincipal checks that a principal name conforms to the allowed format.
// Principals must be 1-128 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidatePrincipal(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("principal is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("principal must be at most 128 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("principal contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
