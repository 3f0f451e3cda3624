package types

import (
	"fmt"
	"strings"
)

// AccountKind discriminates the union of payable parties. The escrow kind is a
// pseudo-account owned by a project; its ID field carries the project id.
type AccountKind string

const (
	AccountUser   AccountKind = "user"
	AccountTeam   AccountKind = "team"
	AccountEscrow AccountKind = "escrow"
)

// Valid reports whether the kind is one of the supported discriminators.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountUser, AccountTeam, AccountEscrow:
		return true
	default:
		return false
	}
}

// AccountRef identifies a balance-bearing party: a user wallet, a team wallet,
// or a project escrow.
type AccountRef struct {
	Kind AccountKind `json:"kind"`
	ID   ID          `json:"id"`
}

// UserAccount returns a reference to a user's wallet.
func UserAccount(id ID) AccountRef { return AccountRef{Kind: AccountUser, ID: id} }

// TeamAccount returns a reference to a team's wallet.
func TeamAccount(id ID) AccountRef { return AccountRef{Kind: AccountTeam, ID: id} }

// EscrowAccount returns a reference to the escrow pseudo-account of a project.
func EscrowAccount(projectID ID) AccountRef {
	return AccountRef{Kind: AccountEscrow, ID: projectID}
}

// Validate checks the reference is well formed.
func (a AccountRef) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("invalid account kind %q", a.Kind)
	}
	if a.ID.IsZero() {
		return fmt.Errorf("account id required")
	}
	return nil
}

// Equal reports byte-exact equality of two references.
func (a AccountRef) Equal(other AccountRef) bool {
	return a.Kind == other.Kind && a.ID == other.ID
}

func (a AccountRef) String() string {
	return strings.Join([]string{string(a.Kind), string(a.ID)}, ":")
}
