package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"KotApp/app/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// StaffService manages the waiters and cashiers that sign in with a PIN
type StaffService struct {
	db *gorm.DB
}

// NewStaffService creates a new staff service
func NewStaffService(db *gorm.DB) *StaffService {
	return &StaffService{db: db}
}

// List returns active staff ordered by name
func (s *StaffService) List(ctx context.Context) ([]models.Staff, error) {
	var staff []models.Staff
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("name").Find(&staff).Error
	return staff, err
}

// Create adds a staff member with a hashed PIN
func (s *StaffService) Create(ctx context.Context, name, role, pin string) (*models.Staff, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}
	if len(pin) < 4 {
		return nil, &ValidationError{Field: "pin", Message: "must have at least 4 digits"}
	}
	if role == "" {
		role = "waiter"
	}

	hashedPIN, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash PIN: %w", err)
	}

	staff := &models.Staff{Name: name, Role: role, PIN: string(hashedPIN), IsActive: true}
	if err := s.db.WithContext(ctx).Create(staff).Error; err != nil {
		return nil, fmt.Errorf("failed to create staff: %w", err)
	}
	return staff, nil
}

// UpdatePIN replaces the PIN of a staff member
func (s *StaffService) UpdatePIN(ctx context.Context, id uint, pin string) error {
	if len(pin) < 4 {
		return &ValidationError{Field: "pin", Message: "must have at least 4 digits"}
	}
	hashedPIN, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash PIN: %w", err)
	}
	return s.db.WithContext(ctx).Model(&models.Staff{}).Where("id = ?", id).Update("pin", string(hashedPIN)).Error
}

// Deactivate hides a staff member from login
func (s *StaffService) Deactivate(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Staff{}).Where("id = ?", id).Update("is_active", false).Error
}

// AuthenticateByPIN finds the active staff member whose PIN matches
func (s *StaffService) AuthenticateByPIN(ctx context.Context, pin string) (*models.Staff, error) {
	if pin == "" {
		return nil, ErrInvalidPIN
	}

	var staff []models.Staff
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&staff).Error; err != nil {
		return nil, classify("load staff", err)
	}

	// PINs are salted hashes, so every candidate has to be checked
	for i := range staff {
		if err := bcrypt.CompareHashAndPassword([]byte(staff[i].PIN), []byte(pin)); err == nil {
			now := time.Now()
			s.db.WithContext(ctx).Model(&staff[i]).Update("last_login_at", now)
			staff[i].LastLoginAt = &now
			return &staff[i], nil
		}
	}
	return nil, ErrInvalidPIN
}
