package sqlstore

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pliu/chatty-dm/internal/models"
)

const userColumns = "id, username, email, password, name, image, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.UserName, &user.Email, &user.Password, &user.Name, &user.Image, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &user, nil
}

func (s *SQLStore) CreateUser(user *models.User) error {
	if user.ID == "" {
		user.ID = models.Identity(uuid.NewString())
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now

	query := s.rebind("INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.Exec(query, user.ID, user.UserName, user.Email, user.Password, user.Name, user.Image, user.CreatedAt, user.UpdatedAt)
	return classify(err)
}

func (s *SQLStore) GetUserByID(id models.Identity) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	return scanUser(s.db.QueryRow(query, id))
}

func (s *SQLStore) GetUserByUsername(username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	return scanUser(s.db.QueryRow(query, username))
}

func (s *SQLStore) GetUserByEmail(email string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	return scanUser(s.db.QueryRow(query, email))
}

// SearchUsers matches query case-insensitively against username and name.
func (s *SQLStore) SearchUsers(queryStr string) ([]models.User, error) {
	pattern := "%" + strings.ToLower(queryStr) + "%"
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE LOWER(username) LIKE ? OR LOWER(name) LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.Query(query, pattern, pattern)
	if err != nil {
		return nil, classify(err)
	}
	return s.collectUsers(rows)
}

func (s *SQLStore) ListOtherUsers(id models.Identity) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id <> ? ORDER BY username")
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, classify(err)
	}
	return s.collectUsers(rows)
}

// UpdateProfile overwrites name and image; empty values keep the stored ones.
func (s *SQLStore) UpdateProfile(id models.Identity, name, image string) (*models.User, error) {
	query := s.rebind("UPDATE users SET name = COALESCE(NULLIF(?, ''), name), image = COALESCE(NULLIF(?, ''), image), updated_at = ? WHERE id = ?")
	result, err := s.db.Exec(query, name, image, time.Now().UTC(), id)
	if err != nil {
		return nil, classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, classify(err)
	}
	if n == 0 {
		return nil, classify(sql.ErrNoRows)
	}
	return s.GetUserByID(id)
}

func (s *SQLStore) collectUsers(rows *sql.Rows) ([]models.User, error) {
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		user.Email = maskEmail(user.Email)
		users = append(users, *user)
	}
	return users, classify(rows.Err())
}
