package customer

import (
	"fmt"
	"strings"
)

// HolderKind distinguishes a customer held by a user from one in the public pool.
type HolderKind string

const (
	HolderUser HolderKind = "user"
	HolderPool HolderKind = "pool"
)

// Holder is the single current owner of a customer: a specific user, or the
// public pool sentinel. UserID is set only when Kind is HolderUser.
type Holder struct {
	Kind   HolderKind `json:"kind"`
	UserID string     `json:"userId,omitempty"`
}

// HeldBy returns the holder for a user.
func HeldBy(userID string) Holder {
	return Holder{Kind: HolderUser, UserID: userID}
}

// Pool returns the public pool holder.
func Pool() Holder {
	return Holder{Kind: HolderPool}
}

func (h Holder) IsPool() bool { return h.Kind == HolderPool }

// IsUser reports whether h is held by userID.
func (h Holder) IsUser(userID string) bool {
	return h.Kind == HolderUser && h.UserID == userID
}

func (h Holder) Equal(other Holder) bool {
	return h.Kind == other.Kind && h.UserID == other.UserID
}

// Validate rejects malformed holders, e.g. a pool holder carrying a user id.
func (h Holder) Validate() error {
	switch h.Kind {
	case HolderPool:
		if h.UserID != "" {
			return fmt.Errorf("pool holder must not carry a user id")
		}
	case HolderUser:
		if strings.TrimSpace(h.UserID) == "" {
			return fmt.Errorf("user holder requires a user id")
		}
	default:
		return fmt.Errorf("unknown holder kind %q", h.Kind)
	}
	return nil
}

func (h Holder) String() string {
	if h.Kind == HolderPool {
		return "pool"
	}
	return "user:" + h.UserID
}
