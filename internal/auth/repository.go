package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
)

// ErrEmailTaken means registration hit an existing email.
var ErrEmailTaken = errors.New("email already registered")

// Repository handles user persistence.
type Repository struct {
	db *database.Client
}

// NewRepository creates the users repository.
func NewRepository(db *database.Client) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, password_hash, name, picture, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Picture, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns a user by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var u *models.User
	err := r.db.Run(ctx, "users.get_by_id", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
		var err error
		u, err = scanUser(row)
		return err
	})
	return u, err
}

// GetByEmail returns a user by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u *models.User
	err := r.db.Run(ctx, "users.get_by_email", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
		var err error
		u, err = scanUser(row)
		return err
	})
	return u, err
}

// Create inserts a new user with a bcrypt-hashed password.
func (r *Repository) Create(ctx context.Context, email, password, name, picture string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	var u *models.User
	err = r.db.Run(ctx, "users.create", func(ctx context.Context) error {
		row := r.db.Pool().QueryRow(ctx,
			`INSERT INTO users (email, password_hash, name, picture)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (email) DO NOTHING
			 RETURNING `+userColumns, email, string(hash), name, picture)
		var err error
		u, err = scanUser(row)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		// ON CONFLICT swallowed the insert: the email is taken.
		return nil, ErrEmailTaken
	}
	return u, err
}

// CheckPassword verifies a plaintext password against the stored hash.
func (r *Repository) CheckPassword(user *models.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}
