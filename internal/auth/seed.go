package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

// seedPasswordBytes is the number of random bytes for a generated owner password.
const seedPasswordBytes = 16

// OwnerSeed describes the owner account created on first start.
type OwnerSeed struct {
	Name     string
	Username string

	// Password may be empty, in which case one is generated and returned.
	Password string
}

// SeedOwner creates the owner account with local-provider credentials if
// no owner exists yet. It returns the password used, or "" if seeding was
// skipped.
func SeedOwner(ctx context.Context, m *Manager, local *LocalProvider, seed OwnerSeed, logger core.Logger) (string, error) {
	if m.HasOwner() {
		logger.Info("owner exists, skipping owner seed")
		return "", nil
	}

	if seed.Username == "" {
		seed.Username = "owner"
	}
	if seed.Name == "" {
		seed.Name = "Owner"
	}

	password := seed.Password
	generated := password == ""
	if generated {
		b := make([]byte, seedPasswordBytes)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generating seed password: %w", err)
		}
		password = hex.EncodeToString(b)
	}

	if err := local.AddUser(ctx, seed.Username, password); err != nil {
		return "", fmt.Errorf("creating owner login: %w", err)
	}

	creds := m.GetOrCreateCredentials(local, map[string]string{"username": seed.Username})
	owner, err := m.CreateOwner(ctx, seed.Name, WithCredentials(creds))
	if err != nil {
		local.RemoveUser(ctx, seed.Username) //nolint:errcheck // Best effort rollback
		return "", fmt.Errorf("creating owner: %w", err)
	}

	if generated {
		logger.Warn("owner account created",
			"user_id", owner.ID,
			"username", NormalizeUsername(seed.Username),
			"password", password,
			"action_required", "change this password immediately",
		)
	} else {
		logger.Info("owner account created", "user_id", owner.ID, "username", NormalizeUsername(seed.Username))
	}
	return password, nil
}
