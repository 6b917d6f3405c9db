package models

import "time"

// User is the minimal view of an account the spending workflow needs: who acts, and as what.
type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Email     string    `gorm:"size:255;not null;unique" json:"email"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Role      UserRole  `gorm:"size:20;not null;index" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
