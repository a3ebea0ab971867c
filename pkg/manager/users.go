package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// CreateUser creates an operator identity. Roles map cluster ids (or
// "*" for global scope) to a role name.
func (m *Manager) CreateUser(ctx context.Context, actor, login, password string, roles map[string]types.Role) (*types.User, error) {
	if login == "" {
		return nil, errdef.New(errdef.KindValidation, "login is required")
	}
	for scope, role := range roles {
		if role != types.RoleAdministrator && role != types.RoleServiceOwner {
			return nil, errdef.Newf(errdef.KindValidation, "unknown role %q for scope %q", role, scope)
		}
	}
	hash, err := auth.HashPassword(password, m.auth.Pepper())
	if err != nil {
		return nil, errdef.Wrap(errdef.KindValidation, "invalid password", err)
	}

	now := time.Now().UTC()
	user := &types.User{
		ID:           uuid.New().String(),
		Login:        login,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.CreateUser(user); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, "", "user.create", "", audit.HashEntity(user))
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errdef.Wrap(errdef.KindConflict, fmt.Sprintf("login %q already taken", login), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "failed to create user", err)
	}

	log.WithComponent("manager").Info().Str("login", login).Msg("user created")
	return user, nil
}

// GetUser returns one user.
func (m *Manager) GetUser(id string) (*types.User, error) {
	user, err := m.store.GetUser(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Wrap(errdef.KindNotFound, fmt.Sprintf("user %s not found", id), err)
		}
		return nil, errdef.Wrap(errdef.KindInternal, "user lookup failed", err)
	}
	return user, nil
}

// ListUsers returns every operator identity.
func (m *Manager) ListUsers() ([]*types.User, error) {
	users, err := m.store.ListUsers()
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "user listing failed", err)
	}
	return users, nil
}

// AssignRole sets (or, with an empty role, removes) a user's role for
// a scope.
func (m *Manager) AssignRole(ctx context.Context, actor, userID, scope string, role types.Role) (*types.User, error) {
	if role != "" && role != types.RoleAdministrator && role != types.RoleServiceOwner {
		return nil, errdef.Newf(errdef.KindValidation, "unknown role %q", role)
	}
	user, err := m.GetUser(userID)
	if err != nil {
		return nil, err
	}

	before := audit.HashEntity(user)
	if user.Roles == nil {
		user.Roles = map[string]types.Role{}
	}
	if role == "" {
		delete(user.Roles, scope)
	} else {
		user.Roles[scope] = role
	}
	user.UpdatedAt = time.Now().UTC()

	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateUser(user); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, scope, "user.assign_role", before, audit.HashEntity(user))
	})
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to update user", err)
	}
	return user, nil
}

// SetUserLock locks or unlocks an account by operator decision.
func (m *Manager) SetUserLock(ctx context.Context, actor, userID string, locked bool) (*types.User, error) {
	user, err := m.GetUser(userID)
	if err != nil {
		return nil, err
	}

	before := audit.HashEntity(user)
	user.Locked = locked
	if locked {
		// An operator lock has no automatic expiry.
		user.LockedUntil = time.Now().Add(100 * 365 * 24 * time.Hour)
	} else {
		user.LockedUntil = time.Time{}
	}
	user.UpdatedAt = time.Now().UTC()

	action := "user.unlock"
	if locked {
		action = "user.lock"
	}
	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateUser(user); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, "", action, before, audit.HashEntity(user))
	})
	if err != nil {
		return nil, errdef.Wrap(errdef.KindInternal, "failed to update user", err)
	}
	return user, nil
}

// EnableTOTP generates and stores a TOTP secret for the user. The
// otpauth URL is returned once for enrollment.
func (m *Manager) EnableTOTP(ctx context.Context, actor, userID string) (string, error) {
	user, err := m.GetUser(userID)
	if err != nil {
		return "", err
	}
	secret, err := auth.GenerateTOTPSecret(user.Login)
	if err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "failed to generate totp secret", err)
	}

	before := audit.HashEntity(user)
	user.TOTPSecret = secret
	user.UpdatedAt = time.Now().UTC()
	err = m.store.Tx(func(tx storage.Store) error {
		if err := tx.UpdateUser(user); err != nil {
			return err
		}
		return m.aud.Success(tx, actor, "", "user.enable_totp", before, audit.HashEntity(user))
	})
	if err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "failed to update user", err)
	}
	return secret, nil
}

// BootstrapAdmin creates the initial global administrator when the
// user bucket is empty. The generated password is returned once for
// the operator to print; it is never logged.
func (m *Manager) BootstrapAdmin(ctx context.Context) (string, error) {
	users, err := m.store.ListUsers()
	if err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "user listing failed", err)
	}
	if len(users) > 0 {
		return "", nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", errdef.Wrap(errdef.KindInternal, "failed to generate password", err)
	}
	password := hex.EncodeToString(raw)

	_, err = m.CreateUser(ctx, "system", "admin", password,
		map[string]types.Role{types.GlobalScope: types.RoleAdministrator})
	if err != nil {
		return "", err
	}
	log.WithComponent("manager").Warn().Msg("bootstrap admin user created")
	return password, nil
}
